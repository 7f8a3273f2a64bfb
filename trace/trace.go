// Package trace emits structured span events at every layer boundary of
// plan execution. Events form a tree keyed by plan identity, sufficient to
// reconstruct a full causal timeline without any other log source.
// Emission is best-effort: a failing emitter is counted and logged but
// never blocks or aborts execution.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stepflow/metrics"
)

// Layer labels which architectural layer produced an event.
type Layer string

const (
	LayerValidation    Layer = "validation"
	LayerExecution     Layer = "execution"
	LayerCollaboration Layer = "collaboration"
	LayerState         Layer = "state"
)

// Well-known span names.
const (
	SpanPlan       = "plan.execute"
	SpanValidation = "plan.validate"
	SpanStep       = "step.execute"
	SpanApproval   = "approval.request"
	SpanCheckpoint = "checkpoint.write"
)

// Event is one span in a plan's causal timeline.
type Event struct {
	// SpanID uniquely identifies this span; ParentID links it into the
	// plan's span tree (empty for the root plan span).
	SpanID   string `json:"span_id"`
	ParentID string `json:"parent_id,omitempty"`

	// PlanID keys the tree.
	PlanID string `json:"plan_id"`

	// Span is the span name (e.g. step.execute).
	Span string `json:"span"`

	// Layer labels the architectural layer.
	Layer Layer `json:"layer"`

	// StepID and Attempt are set for step-scoped spans.
	StepID  string `json:"step_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	// Input and Output snapshot the data crossing the boundary.
	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	// Metadata carries additional key/value context.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Error holds the failure message for failed spans.
	Error string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewSpanID returns a short unique span ID.
func NewSpanID() string {
	return fmt.Sprintf("sp-%s", uuid.New().String()[:8])
}

// Emitter receives completed span events.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Recorder is an in-memory emitter retaining every event, used in tests
// and for timeline reconstruction in the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event.
func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForPlan returns recorded events for one plan, in emission order.
func (r *Recorder) ForPlan(planID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.PlanID == planID {
			out = append(out, ev)
		}
	}
	return out
}

// Named returns recorded events for a plan with the given span name.
func (r *Recorder) Named(planID, span string) []Event {
	var out []Event
	for _, ev := range r.ForPlan(planID) {
		if ev.Span == span {
			out = append(out, ev)
		}
	}
	return out
}

// Dispatcher wraps an emitter with fire-and-forget semantics. Emit never
// returns an error; failures increment a drop counter and log a warning.
type Dispatcher struct {
	emitter Emitter
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewDispatcher creates a best-effort dispatcher. A nil emitter drops
// everything silently (tracing disabled).
func NewDispatcher(emitter Emitter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{emitter: emitter, logger: logger}
}

// Emit forwards the event, swallowing any failure.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.emitter == nil {
		return
	}
	if err := d.emitter.Emit(ctx, ev); err != nil {
		d.dropped.Add(1)
		metrics.TraceDropped.Inc()
		d.logger.Warn("Dropped trace event",
			"plan_id", ev.PlanID,
			"span", ev.Span,
			"error", err)
	}
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() int64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
