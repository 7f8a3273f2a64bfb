// Package metrics exposes Prometheus counters for engine activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsTotal counts steps reaching a terminal status, labelled by status.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_steps_total",
		Help: "Steps that reached a terminal status",
	}, []string{"status"})

	// StepRetries counts step retry attempts beyond the first.
	StepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepflow_step_retries_total",
		Help: "Step retry attempts beyond the first",
	})

	// CheckpointConflicts counts compare-and-swap conflicts on checkpoint writes.
	CheckpointConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepflow_checkpoint_conflicts_total",
		Help: "Checkpoint compare-and-swap conflicts",
	})

	// TraceDropped counts trace events dropped by a failing emitter.
	TraceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepflow_trace_dropped_total",
		Help: "Trace events dropped because emission failed",
	})

	// ApprovalsTotal counts approval resolutions, labelled by resolution.
	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepflow_approvals_total",
		Help: "Approval request resolutions",
	}, []string{"resolution"})
)
