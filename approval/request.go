// Package approval implements the human-in-loop gate: suspended steps
// create approval requests with deadlines, notifications go out through a
// pluggable notifier, and resolutions arrive by push or poll. Suspension
// is persisted state, not an in-memory call stack, so it survives process
// restarts; deadlines are re-evaluated on resume, never reset.
package approval

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stepflow/checkpoint"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Resolved reports whether the status is final.
func (s Status) Resolved() bool { return s != StatusPending && s != "" }

// Decision is the effective outcome applied to the suspended step after
// timeout policy mapping.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// TimeoutPolicy selects the decision applied when a deadline expires with
// no response. The default is to reject.
type TimeoutPolicy string

const (
	TimeoutReject  TimeoutPolicy = "reject"
	TimeoutApprove TimeoutPolicy = "approve"
)

// RejectionPolicy selects what a rejected step becomes: failed (halting
// the plan) or skipped (plan continues).
type RejectionPolicy string

const (
	RejectFail RejectionPolicy = "fail"
	RejectSkip RejectionPolicy = "skip"
)

// Request asks a human to review one step before or during execution.
type Request struct {
	// ID uniquely identifies this request (format: apr-{uuid}).
	ID string `json:"id"`

	// PlanID and StepID locate the suspended step.
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`

	// Reason explains why approval is needed (flag, rule, or escalated
	// failure).
	Reason string `json:"reason"`

	// Attempt is the step attempt the request suspends.
	Attempt int `json:"attempt"`

	// Input snapshots the step input under review.
	Input map[string]any `json:"input,omitempty"`

	// Status is the request state.
	Status Status `json:"status"`

	// Deadline is when an unanswered request times out.
	Deadline time.Time `json:"deadline"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewRequest creates a pending request with a generated ID.
func NewRequest(planID, stepID, reason string, attempt int, input map[string]any, deadline time.Time) *Request {
	return &Request{
		ID:        fmt.Sprintf("apr-%s", uuid.New().String()[:8]),
		PlanID:    planID,
		StepID:    stepID,
		Reason:    reason,
		Attempt:   attempt,
		Input:     input,
		Status:    StatusPending,
		Deadline:  deadline,
		CreatedAt: time.Now().UTC(),
	}
}

// Pending converts the request to its checkpoint-persisted form.
func (r *Request) Pending() *checkpoint.PendingApproval {
	return &checkpoint.PendingApproval{
		ID:        r.ID,
		StepID:    r.StepID,
		Reason:    r.Reason,
		Attempt:   r.Attempt,
		Deadline:  r.Deadline,
		CreatedAt: r.CreatedAt,
		Input:     r.Input,
	}
}

// FromPending rebuilds a pending request from its checkpoint form.
func FromPending(planID string, pa *checkpoint.PendingApproval) *Request {
	return &Request{
		ID:        pa.ID,
		PlanID:    planID,
		StepID:    pa.StepID,
		Reason:    pa.Reason,
		Attempt:   pa.Attempt,
		Input:     pa.Input,
		Status:    StatusPending,
		Deadline:  pa.Deadline,
		CreatedAt: pa.CreatedAt,
	}
}

// Resolution is the outcome of a request: how it was resolved and the
// effective decision after timeout policy mapping. Approved resolutions
// may carry input modifications merged into the step input before
// execution.
type Resolution struct {
	Status        Status         `json:"status"`
	Decision      Decision       `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
	ResolvedBy    string         `json:"resolved_by,omitempty"`
}
