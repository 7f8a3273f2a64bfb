// Package executor implements the per-plan state machine: it validates a
// candidate plan, executes its steps strictly in order, routes flagged
// steps through the approval gate, applies each contract's failure policy,
// and durably commits progress before advancing so a crash loses at most
// the in-flight step. Each plan is an independent sequential machine;
// arbitrarily many plans may run concurrently, and the checkpoint
// compare-and-swap is the sole concurrency-control primitive between
// executor instances.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stepflow/approval"
	"github.com/c360studio/stepflow/checkpoint"
	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/plan"
	"github.com/c360studio/stepflow/plan/validation"
	"github.com/c360studio/stepflow/trace"
)

// ErrConcurrentExecution means another executor instance advanced the plan
// concurrently. It is fatal to this instance only: the plan itself is
// progressing elsewhere and this instance must yield.
var ErrConcurrentExecution = errors.New("concurrent execution conflict")

// ToolRunner is the tool registry capability the executor consumes. It is
// satisfied by registry.Registry.
type ToolRunner interface {
	Lookup(name string) (*plan.Contract, error)
	Invoke(ctx context.Context, name string, input map[string]any, timeout time.Duration) (map[string]any, error)
	QueryOutcome(ctx context.Context, name, planID, stepID string) (map[string]any, bool, error)
}

// Planner produces candidate plans. The engine implies no further contract;
// the CLI's file loader and any model-backed planner both satisfy it.
type Planner interface {
	CreatePlan(ctx context.Context) (*plan.Plan, error)
}

// RetryDefaults fill in contract values left unset.
type RetryDefaults struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	ToolTimeout       time.Duration
}

// DefaultRetryDefaults returns the engine defaults.
func DefaultRetryDefaults() RetryDefaults {
	return RetryDefaults{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 2.0,
		ToolTimeout:       time.Minute,
	}
}

// Config configures an executor.
type Config struct {
	Retry RetryDefaults

	// Rejection selects what a rejected step becomes (fail or skip).
	Rejection approval.RejectionPolicy

	// Rules routes matching steps through the approval gate.
	Rules *approval.Rules
}

// Outcome is the terminal result of one plan execution.
type Outcome struct {
	Plan       *plan.Plan
	Status     plan.Status
	Results    []plan.ExecutionResult
	FailedStep string
	Checkpoint *checkpoint.Checkpoint
}

// Executor drives plans to a terminal status.
type Executor struct {
	tools       ToolRunner
	validator   *validation.Validator
	gate        *approval.Gate
	checkpoints *checkpoint.Manager
	tracer      *trace.Dispatcher
	config      Config
	logger      *slog.Logger
}

// New creates an executor. The gate, checkpoint manager, and tool runner
// are required; a nil tracer disables tracing.
func New(tools ToolRunner, gate *approval.Gate, checkpoints *checkpoint.Manager, tracer *trace.Dispatcher, config Config, logger *slog.Logger) (*Executor, error) {
	if tools == nil {
		return nil, errors.New("tool runner is required")
	}
	if gate == nil {
		return nil, errors.New("approval gate is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = DefaultRetryDefaults().MaxAttempts
	}
	if config.Retry.BackoffBase <= 0 {
		config.Retry.BackoffBase = DefaultRetryDefaults().BackoffBase
	}
	if config.Retry.BackoffMultiplier < 1 {
		config.Retry.BackoffMultiplier = DefaultRetryDefaults().BackoffMultiplier
	}
	if config.Retry.ToolTimeout <= 0 {
		config.Retry.ToolTimeout = DefaultRetryDefaults().ToolTimeout
	}
	if config.Rejection == "" {
		config.Rejection = approval.RejectFail
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		tools:       tools,
		validator:   validation.NewValidator(tools),
		gate:        gate,
		checkpoints: checkpoints,
		tracer:      tracer,
		config:      config,
		logger:      logger,
	}, nil
}

// Gate returns the approval gate, through which resolutions are delivered.
func (e *Executor) Gate() *approval.Gate { return e.gate }

// Execute validates the candidate plan and runs it from the beginning.
// A validation failure surfaces immediately; the plan never starts and
// nothing is persisted.
func (e *Executor) Execute(ctx context.Context, candidate *plan.Plan) (*Outcome, error) {
	validated, err := e.validate(ctx, candidate)
	if err != nil {
		return nil, err
	}

	cp := checkpoint.NewCheckpoint(validated)
	rev, err := e.commit(ctx, cp, 0)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, validated, cp, rev, trace.NewSpanID())
}

// Resume continues a plan from its authoritative checkpoint. The caller
// supplies the plan definition (checkpoints record progress, not the plan
// body); it is re-validated, which has no side effects. If the checkpoint
// shows an in-flight invocation or a live approval request, the true
// outcome is re-queried before any step re-executes.
func (e *Executor) Resume(ctx context.Context, candidate *plan.Plan) (*Outcome, error) {
	validated, err := e.validate(ctx, candidate)
	if err != nil {
		return nil, err
	}

	cp, rev, err := e.checkpoints.Load(ctx, validated.ID)
	if err != nil {
		return nil, err
	}
	if len(cp.StepStatuses) != len(validated.Steps) {
		return nil, fmt.Errorf("checkpoint for plan %s records %d steps, plan has %d",
			validated.ID, len(cp.StepStatuses), len(validated.Steps))
	}

	// Already terminal: report the recorded outcome without re-executing.
	if cp.PlanStatus.Terminal() {
		e.applyCheckpoint(validated, cp)
		return e.outcome(validated, cp), nil
	}

	e.applyCheckpoint(validated, cp)

	rootSpan := trace.NewSpanID()
	if cp.Running != nil {
		rev, err = e.recoverInFlight(ctx, validated, cp, rev, rootSpan)
		if err != nil {
			return nil, err
		}
	}
	if cp.Approval != nil {
		e.gate.Restore(approval.FromPending(validated.ID, cp.Approval))
	}

	return e.run(ctx, validated, cp, rev, rootSpan)
}

// validate runs the plan validator inside a validation trace span.
func (e *Executor) validate(ctx context.Context, candidate *plan.Plan) (*plan.Plan, error) {
	started := time.Now().UTC()
	validated, err := e.validator.Validate(candidate)

	ev := trace.Event{
		SpanID:      trace.NewSpanID(),
		PlanID:      planID(candidate),
		Span:        trace.SpanValidation,
		Layer:       trace.LayerValidation,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Metadata = map[string]string{"steps": fmt.Sprintf("%d", len(validated.Steps))}
	}
	e.tracer.Emit(ctx, ev)

	return validated, err
}

// run drives the plan from the checkpoint's committed position to a
// terminal status. Progress is committed before each advance: at any
// crash point the committed step index equals the number of steps with a
// terminal outcome.
func (e *Executor) run(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev uint64, rootSpan string) (*Outcome, error) {
	runStarted := time.Now().UTC()
	p.Status = plan.StatusRunning

	for idx := cp.CommittedStep; idx < len(p.Steps); idx++ {
		// Recovery may already have settled the plan.
		if cp.PlanStatus.Terminal() {
			break
		}
		// Cancellation is accepted at step boundaries.
		if ctx.Err() != nil {
			return e.cancel(ctx, p, cp, rev, rootSpan, runStarted)
		}

		step := p.Steps[idx]
		if step.Status.Terminal() {
			continue
		}

		stepStarted := time.Now().UTC()
		status, err := e.runStep(ctx, p, cp, &rev, idx, rootSpan)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return e.cancel(ctx, p, cp, rev, rootSpan, runStarted)
			}
			return nil, err
		}

		step.Status = status
		cp.StepStatuses[idx] = status
		cp.CommittedStep = idx + 1
		metrics.StepsTotal.WithLabelValues(string(status)).Inc()

		failed := status == plan.StepStatusFailed
		if failed {
			cp.PlanStatus = plan.StatusFailed
		} else if idx == len(p.Steps)-1 {
			cp.PlanStatus = plan.StatusSucceeded
		} else {
			cp.PlanStatus = plan.StatusRunning
		}

		// Checkpoint-before-advance: the outcome is durable before the
		// next step is considered.
		newRev, err := e.commit(ctx, cp, rev)
		if err != nil {
			return nil, err
		}
		rev = newRev

		e.emitStepSpan(ctx, p, step, rootSpan, stepStarted)

		if failed {
			break
		}
	}

	p.Status = cp.PlanStatus
	e.tracer.Emit(ctx, trace.Event{
		SpanID:      rootSpan,
		PlanID:      p.ID,
		Span:        trace.SpanPlan,
		Layer:       trace.LayerExecution,
		Metadata:    map[string]string{"status": string(p.Status), "total_steps": fmt.Sprintf("%d", len(p.Steps))},
		StartedAt:   runStarted,
		CompletedAt: time.Now().UTC(),
	})

	return e.outcome(p, cp), nil
}

// cancel commits a cancelled status at a suspension boundary. The commit
// uses a detached context since the caller's is already done.
func (e *Executor) cancel(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev uint64, rootSpan string, runStarted time.Time) (*Outcome, error) {
	detached := context.WithoutCancel(ctx)

	cp.PlanStatus = plan.StatusCancelled
	if _, err := e.commit(detached, cp, rev); err != nil {
		return nil, err
	}
	p.Status = plan.StatusCancelled

	e.tracer.Emit(detached, trace.Event{
		SpanID:      rootSpan,
		PlanID:      p.ID,
		Span:        trace.SpanPlan,
		Layer:       trace.LayerExecution,
		Metadata:    map[string]string{"status": string(plan.StatusCancelled)},
		StartedAt:   runStarted,
		CompletedAt: time.Now().UTC(),
	})

	e.logger.Info("Plan cancelled", "plan_id", p.ID, "committed_step", cp.CommittedStep)
	return e.outcome(p, cp), nil
}

// commit writes the checkpoint via compare-and-swap and emits a state
// span. A revision conflict means another instance owns the plan: this
// instance yields with ErrConcurrentExecution.
func (e *Executor) commit(ctx context.Context, cp *checkpoint.Checkpoint, expected uint64) (uint64, error) {
	started := time.Now().UTC()
	rev, err := e.checkpoints.Commit(ctx, cp, expected)
	if err != nil {
		if errors.Is(err, checkpoint.ErrRevisionConflict) {
			metrics.CheckpointConflicts.Inc()
			return 0, fmt.Errorf("%w: %w", ErrConcurrentExecution, err)
		}
		return 0, err
	}
	cp.Revision = rev

	e.tracer.Emit(ctx, trace.Event{
		SpanID: trace.NewSpanID(),
		PlanID: cp.PlanID,
		Span:   trace.SpanCheckpoint,
		Layer:  trace.LayerState,
		Metadata: map[string]string{
			"revision":       fmt.Sprintf("%d", rev),
			"committed_step": fmt.Sprintf("%d", cp.CommittedStep),
			"plan_status":    string(cp.PlanStatus),
		},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})
	return rev, nil
}

// applyCheckpoint restores per-step statuses and attempt counters onto a
// freshly validated plan.
func (e *Executor) applyCheckpoint(p *plan.Plan, cp *checkpoint.Checkpoint) {
	p.Status = cp.PlanStatus
	for i, status := range cp.StepStatuses {
		p.Steps[i].Status = status
	}
	for _, res := range cp.Results {
		if i := p.StepIndex(res.StepID); i >= 0 && res.Attempt > p.Steps[i].Attempts {
			p.Steps[i].Attempts = res.Attempt
		}
	}
}

// recoverInFlight resolves an invocation that was started but never
// committed. The tool is asked for the true outcome first: a completed
// side effect is adopted (and contract-checked) rather than re-executed.
func (e *Executor) recoverInFlight(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev uint64, rootSpan string) (uint64, error) {
	running := cp.Running
	idx := p.StepIndex(running.StepID)
	if idx < 0 {
		cp.Running = nil
		return rev, nil
	}
	step := p.Steps[idx]

	output, completed, err := e.tools.QueryOutcome(ctx, running.Tool, p.ID, running.StepID)
	if err != nil {
		return rev, fmt.Errorf("re-query outcome for step %s: %w", running.StepID, err)
	}

	if !completed {
		// The invocation never finished (or the tool cannot say). The
		// attempt is re-run; side effects already performed outside the
		// engine boundary are not rolled back.
		e.logger.Warn("In-flight step has no recorded outcome, re-executing",
			"plan_id", p.ID,
			"step_id", running.StepID,
			"attempt", running.Attempt)
		step.Attempts = running.Attempt - 1
		cp.Running = nil
		return rev, nil
	}

	result := plan.ExecutionResult{
		StepID:      step.ID,
		Tool:        running.Tool,
		Attempt:     running.Attempt,
		StartedAt:   running.StartedAt,
		CompletedAt: time.Now().UTC(),
	}
	if violation := step.Contract.CheckOutput(step.ID, output); violation != nil {
		result.Error = violation.Error()
		result.ErrorKind = plan.ErrorKindContractViolation
		step.Status = plan.StepStatusFailed
	} else {
		result.Success = true
		result.Output = output
		step.Status = plan.StepStatusSucceeded
	}
	step.Attempts = running.Attempt

	cp.Results = append(cp.Results, result)
	cp.Running = nil
	cp.StepStatuses[idx] = step.Status
	if step.Status == plan.StepStatusSucceeded {
		cp.CommittedStep = idx + 1
		if idx == len(p.Steps)-1 {
			cp.PlanStatus = plan.StatusSucceeded
		}
	} else {
		// The invocation completed, so re-running it per the failure
		// policy would duplicate the side effect. The violation stands.
		cp.CommittedStep = idx + 1
		cp.PlanStatus = plan.StatusFailed
	}

	newRev, err := e.commit(ctx, cp, rev)
	if err != nil {
		return rev, err
	}

	// The adopted outcome belongs in the causal timeline like any
	// executed step, spanning from the original invocation start.
	e.emitStepSpan(ctx, p, step, rootSpan, running.StartedAt)

	e.logger.Info("Recovered in-flight step from tool outcome",
		"plan_id", p.ID,
		"step_id", step.ID,
		"status", step.Status)
	return newRev, nil
}

// outcome assembles the terminal outcome from plan and checkpoint.
func (e *Executor) outcome(p *plan.Plan, cp *checkpoint.Checkpoint) *Outcome {
	out := &Outcome{
		Plan:       p,
		Status:     cp.PlanStatus,
		Results:    append([]plan.ExecutionResult(nil), cp.Results...),
		Checkpoint: cp.Clone(),
	}
	if cp.PlanStatus == plan.StatusFailed {
		for i := len(p.Steps) - 1; i >= 0; i-- {
			if p.Steps[i].Status == plan.StepStatusFailed {
				out.FailedStep = p.Steps[i].ID
				break
			}
		}
	}
	return out
}

// planID tolerates candidates that fail validation before having an ID.
func planID(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	return p.ID
}
