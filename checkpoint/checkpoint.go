// Package checkpoint provides durable, versioned snapshots of plan
// execution progress. One checkpoint is authoritative per plan at any
// time; every write is a compare-and-swap against the last-read revision,
// which is the engine's sole concurrency-control primitive: at most one
// executor instance can advance a plan at a given revision.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/stepflow/plan"
)

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound means no checkpoint exists for the plan.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrRevisionConflict means another executor instance advanced the
	// plan concurrently. The losing writer must yield, not overwrite.
	ErrRevisionConflict = errors.New("checkpoint revision conflict")
)

// PersistenceError reports a store failure that is neither a conflict nor
// a missing key. Checkpoint writes are retried on it; exhaustion surfaces
// as a plan-level failure rather than silently losing the committed step.
type PersistenceError struct {
	Op     string
	PlanID string
	Err    error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s for plan %s: %v", e.Op, e.PlanID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error { return e.Err }

// PendingApproval is the persisted form of a live approval request. The
// deadline survives process restarts and is re-evaluated, not reset, on
// resume. A plan has at most one live approval request at a time.
type PendingApproval struct {
	ID        string         `json:"id"`
	StepID    string         `json:"step_id"`
	Reason    string         `json:"reason"`
	Attempt   int            `json:"attempt"`
	Deadline  time.Time      `json:"deadline"`
	CreatedAt time.Time      `json:"created_at"`
	Input     map[string]any `json:"input,omitempty"`
}

// InFlight marks a tool invocation that was started but whose terminal
// outcome is not yet committed. On resume, the executor re-queries the
// tool for the true outcome instead of assuming the invocation never
// completed its side effect.
type InFlight struct {
	StepID    string    `json:"step_id"`
	Tool      string    `json:"tool"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// Checkpoint is the durable record of a plan's execution progress.
// Superseded checkpoints are never mutated, only replaced.
type Checkpoint struct {
	// PlanID identifies the plan.
	PlanID string `json:"plan_id"`

	// Revision is the store revision this snapshot was written at. It
	// increases monotonically with every replacement.
	Revision uint64 `json:"revision"`

	// CommittedStep is the number of steps with a committed terminal
	// outcome. It never decreases.
	CommittedStep int `json:"committed_step"`

	// Results is the full ordered attempt history so far.
	Results []plan.ExecutionResult `json:"results"`

	// PlanStatus is the plan status as of this snapshot.
	PlanStatus plan.Status `json:"plan_status"`

	// StepStatuses mirrors the per-step statuses, indexed like the plan's
	// steps.
	StepStatuses []plan.StepStatus `json:"step_statuses,omitempty"`

	// Approval is the live approval request, if the plan is suspended.
	Approval *PendingApproval `json:"approval,omitempty"`

	// Running is the in-flight invocation marker, if any.
	Running *InFlight `json:"running,omitempty"`

	// UpdatedAt is when this snapshot was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCheckpoint creates the initial checkpoint for a validated plan.
func NewCheckpoint(p *plan.Plan) *Checkpoint {
	statuses := make([]plan.StepStatus, len(p.Steps))
	for i, s := range p.Steps {
		statuses[i] = s.Status
	}
	return &Checkpoint{
		PlanID:        p.ID,
		CommittedStep: 0,
		Results:       []plan.ExecutionResult{},
		PlanStatus:    plan.StatusRunning,
		StepStatuses:  statuses,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cc := *c
	cc.Results = append([]plan.ExecutionResult(nil), c.Results...)
	cc.StepStatuses = append([]plan.StepStatus(nil), c.StepStatuses...)
	if c.Approval != nil {
		ap := *c.Approval
		cc.Approval = &ap
	}
	if c.Running != nil {
		rn := *c.Running
		cc.Running = &rn
	}
	return &cc
}

// Store is the persistence collaborator. Get returns the authoritative
// checkpoint with its revision; Put replaces it iff the stored revision
// still equals expected (expected 0 creates).
type Store interface {
	Get(ctx context.Context, planID string) (*Checkpoint, uint64, error)
	Put(ctx context.Context, planID string, cp *Checkpoint, expected uint64) (uint64, error)
}
