package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/c360studio/stepflow/approval"
	"github.com/c360studio/stepflow/checkpoint"
	"github.com/c360studio/stepflow/metrics"
	"github.com/c360studio/stepflow/plan"
	"github.com/c360studio/stepflow/registry"
	"github.com/c360studio/stepflow/trace"
)

// runStep drives one step's state machine to a terminal status:
// pending → [awaiting_approval →] running → {succeeded | failed}
// → [retrying → running ...] → terminal. All attempt results are appended
// to the checkpoint; the caller commits them before advancing.
func (e *Executor) runStep(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev *uint64, idx int, rootSpan string) (plan.StepStatus, error) {
	step := p.Steps[idx]
	contract := step.Contract
	input := step.Input

	// Gate the step before execution when flagged or rule-matched.
	if reason, required := e.approvalReason(step); required {
		res, err := e.awaitApproval(ctx, p, cp, rev, idx, reason, rootSpan)
		if err != nil {
			return "", err
		}
		if res.Decision != approval.DecisionApprove {
			return e.recordRejection(p, cp, idx, res), nil
		}
		input = mergeInput(input, res.Modifications)
	}

	maxAttempts := e.maxAttempts(contract)

	for {
		attempt := step.Attempts + 1
		step.Attempts = attempt
		step.Status = plan.StepStatusRunning
		cp.StepStatuses[idx] = plan.StepStatusRunning
		startedAt := time.Now().UTC()

		output, execErr := e.attempt(ctx, p, cp, rev, idx, input, attempt, startedAt)

		result := plan.ExecutionResult{
			StepID:      step.ID,
			Tool:        step.Tool,
			Attempt:     attempt,
			StartedAt:   startedAt,
			CompletedAt: time.Now().UTC(),
		}
		if execErr == nil {
			result.Success = true
			result.Output = output
			cp.Results = append(cp.Results, result)
			return plan.StepStatusSucceeded, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var commitErr *commitError
		if errors.As(execErr, &commitErr) {
			return "", commitErr.err
		}

		result.Error = execErr.Error()
		result.ErrorKind = errorKind(execErr)
		cp.Results = append(cp.Results, result)

		e.logger.Warn("Step attempt failed",
			"plan_id", p.ID,
			"step_id", step.ID,
			"attempt", attempt,
			"policy", contract.PolicyKind(),
			"error", execErr)

		switch contract.PolicyKind() {
		case plan.PolicyRetry:
			if attempt < maxAttempts {
				metrics.StepRetries.Inc()
				if err := e.backoff(ctx, contract, attempt); err != nil {
					return "", err
				}
				continue
			}
			// Retries exhausted: degrade to abort.
			return plan.StepStatusFailed, nil

		case plan.PolicyFallback:
			return e.runFallback(ctx, p, cp, idx, input), nil

		case plan.PolicyEscalate:
			if attempt >= maxAttempts {
				return plan.StepStatusFailed, nil
			}
			reason := fmt.Sprintf("step %s failed (attempt %d): %v", step.ID, attempt, execErr)
			res, err := e.awaitApproval(ctx, p, cp, rev, idx, reason, rootSpan)
			if err != nil {
				return "", err
			}
			if res.Decision != approval.DecisionApprove {
				return e.recordRejection(p, cp, idx, res), nil
			}
			input = mergeInput(input, res.Modifications)
			continue

		default: // abort
			return plan.StepStatusFailed, nil
		}
	}
}

// commitError carries a checkpoint write failure out of attempt() so the
// failure policy is not applied to it.
type commitError struct{ err error }

func (c *commitError) Error() string { return c.err.Error() }

// attempt performs one execution attempt: input contract check, tool
// invocation under the contract timeout, output contract check. An
// in-flight marker is committed before the invocation so a crash can be
// reconciled against the tool's true outcome on resume.
func (e *Executor) attempt(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev *uint64, idx int, input map[string]any, attempt int, startedAt time.Time) (map[string]any, error) {
	step := p.Steps[idx]
	contract := step.Contract

	// A schema mismatch is a contract violation, not a tool invocation.
	if err := contract.CheckInput(step.ID, input); err != nil {
		return nil, err
	}

	cp.Running = &checkpoint.InFlight{
		StepID:    step.ID,
		Tool:      step.Tool,
		Attempt:   attempt,
		StartedAt: startedAt,
	}
	newRev, err := e.commit(ctx, cp, *rev)
	if err != nil {
		cp.Running = nil
		return nil, &commitError{err: err}
	}
	*rev = newRev

	output, invokeErr := e.tools.Invoke(ctx, step.Tool, input, e.timeout(contract))
	cp.Running = nil
	if invokeErr != nil {
		return nil, invokeErr
	}

	// Contract satisfaction, not tool opinion, determines success.
	if err := contract.CheckOutput(step.ID, output); err != nil {
		return nil, err
	}
	return output, nil
}

// runFallback applies the fallback substitute: an alternate tool invoked
// with the same input, or a literal default result. The substitute's
// contract validation is the step's outcome; a failing substitute fails
// the step.
func (e *Executor) runFallback(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, idx int, input map[string]any) plan.StepStatus {
	step := p.Steps[idx]
	fb := step.Contract.OnFailure.Fallback
	if fb == nil {
		return plan.StepStatusFailed
	}

	startedAt := time.Now().UTC()
	result := plan.ExecutionResult{
		StepID:    step.ID,
		Attempt:   step.Attempts,
		StartedAt: startedAt,
	}

	var output map[string]any
	var err error
	if fb.Tool != "" {
		result.Tool = fb.Tool
		output, err = e.tools.Invoke(ctx, fb.Tool, input, e.timeout(step.Contract))
	} else {
		result.Tool = step.Tool
		output = fb.Result
	}
	if err == nil {
		err = step.Contract.CheckOutput(step.ID, output)
	}

	result.CompletedAt = time.Now().UTC()
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = errorKind(err)
		cp.Results = append(cp.Results, result)
		return plan.StepStatusFailed
	}

	result.Success = true
	result.Output = output
	cp.Results = append(cp.Results, result)
	e.logger.Info("Fallback substituted for failed step",
		"plan_id", p.ID,
		"step_id", step.ID,
		"fallback_tool", fb.Tool)
	return plan.StepStatusSucceeded
}

// awaitApproval suspends the plan on an approval request. The suspension
// (including its deadline) is committed before waiting so it survives a
// process restart; a request restored from the checkpoint keeps its
// original deadline.
func (e *Executor) awaitApproval(ctx context.Context, p *plan.Plan, cp *checkpoint.Checkpoint, rev *uint64, idx int, reason, rootSpan string) (approval.Resolution, error) {
	step := p.Steps[idx]
	started := time.Now().UTC()

	var req *approval.Request
	if cp.Approval != nil && cp.Approval.StepID == step.ID {
		req = approval.FromPending(p.ID, cp.Approval)
		e.gate.Restore(req)
		started = req.CreatedAt
	} else {
		var err error
		req, err = e.gate.Open(ctx, p.ID, step.ID, reason, step.Attempts+1, step.Input)
		if err != nil {
			return approval.Resolution{}, err
		}

		cp.Approval = req.Pending()
		cp.PlanStatus = plan.StatusAwaitingApproval
		cp.StepStatuses[idx] = plan.StepStatusAwaitingApproval
		newRev, err := e.commit(ctx, cp, *rev)
		if err != nil {
			return approval.Resolution{}, err
		}
		*rev = newRev
	}

	p.Status = plan.StatusAwaitingApproval
	step.Status = plan.StepStatusAwaitingApproval

	res, err := e.gate.Await(ctx, req.ID)
	if err != nil {
		return approval.Resolution{}, err
	}

	cp.Approval = nil
	cp.PlanStatus = plan.StatusRunning
	p.Status = plan.StatusRunning

	e.tracer.Emit(ctx, trace.Event{
		SpanID:   trace.NewSpanID(),
		ParentID: rootSpan,
		PlanID:   p.ID,
		Span:     trace.SpanApproval,
		Layer:    trace.LayerCollaboration,
		StepID:   step.ID,
		Metadata: map[string]string{
			"approval_id": req.ID,
			"reason":      reason,
			"status":      string(res.Status),
			"decision":    string(res.Decision),
		},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	})

	return res, nil
}

// recordRejection turns a non-approve decision into the step's terminal
// status per the plan-level rejection policy.
func (e *Executor) recordRejection(p *plan.Plan, cp *checkpoint.Checkpoint, idx int, res approval.Resolution) plan.StepStatus {
	step := p.Steps[idx]
	kind := plan.ErrorKindApprovalRejected
	msg := fmt.Sprintf("step %s rejected by approval", step.ID)
	if res.Status == approval.StatusTimedOut {
		kind = plan.ErrorKindApprovalTimeout
		msg = fmt.Sprintf("approval for step %s timed out", step.ID)
	}

	now := time.Now().UTC()
	cp.Results = append(cp.Results, plan.ExecutionResult{
		StepID:      step.ID,
		Tool:        step.Tool,
		Attempt:     step.Attempts,
		Error:       msg,
		ErrorKind:   kind,
		StartedAt:   now,
		CompletedAt: now,
	})

	if e.config.Rejection == approval.RejectSkip {
		return plan.StepStatusSkipped
	}
	return plan.StepStatusFailed
}

// approvalReason reports whether the step must be gated and why.
func (e *Executor) approvalReason(step *plan.Step) (string, bool) {
	if step.ApprovalRequired {
		return "step flagged for approval", true
	}
	riskClass := ""
	if step.Contract != nil {
		riskClass = step.Contract.RiskClass
	}
	return e.config.Rules.Requires(step.Tool, riskClass)
}

// backoff sleeps before the next retry: exponential growth with jitter,
// interruptible by cancellation.
func (e *Executor) backoff(ctx context.Context, contract *plan.Contract, attempt int) error {
	base := e.config.Retry.BackoffBase
	multiplier := e.config.Retry.BackoffMultiplier
	if contract != nil {
		if d := contract.OnFailure.BackoffBase.Std(); d > 0 {
			base = d
		}
		if m := contract.OnFailure.BackoffMultiplier; m >= 1 {
			multiplier = m
		}
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
	}
	// Full jitter over the upper half keeps retries spread out without
	// collapsing short backoffs to zero.
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// maxAttempts returns the effective attempt bound for a contract.
func (e *Executor) maxAttempts(contract *plan.Contract) int {
	if contract != nil && contract.OnFailure.MaxAttempts > 0 {
		return contract.OnFailure.MaxAttempts
	}
	return e.config.Retry.MaxAttempts
}

// timeout returns the effective tool timeout for a contract.
func (e *Executor) timeout(contract *plan.Contract) time.Duration {
	if contract != nil && contract.Timeout.Std() > 0 {
		return contract.Timeout.Std()
	}
	return e.config.Retry.ToolTimeout
}

// errorKind classifies an attempt failure for the execution record.
func errorKind(err error) plan.ErrorKind {
	var violation *plan.Violation
	if errors.As(err, &violation) {
		return plan.ErrorKindContractViolation
	}
	var invocation *registry.InvocationError
	if errors.As(err, &invocation) {
		return plan.ErrorKindToolInvocation
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return plan.ErrorKindCancelled
	}
	return plan.ErrorKindToolInvocation
}

// mergeInput overlays approved modifications onto the step input.
func mergeInput(input, modifications map[string]any) map[string]any {
	if len(modifications) == 0 {
		return input
	}
	merged := make(map[string]any, len(input)+len(modifications))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range modifications {
		merged[k] = v
	}
	return merged
}

// emitStepSpan emits the step's execution span with its final attempt
// count and last recorded result.
func (e *Executor) emitStepSpan(ctx context.Context, p *plan.Plan, step *plan.Step, rootSpan string, started time.Time) {
	ev := trace.Event{
		SpanID:   trace.NewSpanID(),
		ParentID: rootSpan,
		PlanID:   p.ID,
		Span:     trace.SpanStep,
		Layer:    trace.LayerExecution,
		StepID:   step.ID,
		Attempt:  step.Attempts,
		Input:    step.Input,
		Metadata: map[string]string{
			"tool":   step.Tool,
			"status": string(step.Status),
		},
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}
	e.tracer.Emit(ctx, ev)
}
