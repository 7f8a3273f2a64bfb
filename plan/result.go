package plan

import "time"

// ErrorKind classifies the failure recorded in an ExecutionResult.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindContractViolation ErrorKind = "contract_violation"
	ErrorKindToolInvocation    ErrorKind = "tool_invocation"
	ErrorKindApprovalRejected  ErrorKind = "approval_rejected"
	ErrorKindApprovalTimeout   ErrorKind = "approval_timeout"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// ExecutionResult records the outcome of one step attempt. Failed attempts
// are recorded alongside the final outcome so a terminal plan carries its
// full attempt history.
type ExecutionResult struct {
	// StepID identifies the step this result belongs to.
	StepID string `json:"step_id"`

	// Tool is the tool actually invoked. For fallback substitutions this is
	// the alternate tool, not the step's declared one.
	Tool string `json:"tool"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Success reports whether the attempt satisfied the contract.
	Success bool `json:"success"`

	// Output is the validated tool output (nil on failure).
	Output map[string]any `json:"output,omitempty"`

	// Error holds the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies the failure.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// StartedAt and CompletedAt bound the attempt.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns the attempt duration.
func (r *ExecutionResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
