// Package validation provides structural validation of candidate plans
// before execution: tool resolution, contract well-formedness, and step
// ordering. Validation has no side effects and reports every offending
// step, not just the first.
package validation

import (
	"fmt"
	"strings"

	"github.com/c360studio/stepflow/plan"
)

// ContractSource resolves a tool name to its registered contract. It is
// satisfied by registry.Registry.
type ContractSource interface {
	Lookup(name string) (*plan.Contract, error)
}

// Issue describes one validation problem, tied to a step when applicable.
type Issue struct {
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// Error aggregates all validation issues for a plan. The plan never
// starts when validation fails.
type Error struct {
	PlanID string
	Issues []Issue
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan %s failed validation with %d issue(s)", e.PlanID, len(e.Issues))
	for _, issue := range e.Issues {
		sb.WriteString("; ")
		if issue.StepID != "" {
			sb.WriteString(issue.StepID)
			sb.WriteString(": ")
		}
		sb.WriteString(issue.Message)
	}
	return sb.String()
}

// Validator validates candidate plans against a contract source.
type Validator struct {
	contracts ContractSource
}

// NewValidator creates a validator backed by the given contract source.
func NewValidator(contracts ContractSource) *Validator {
	return &Validator{contracts: contracts}
}

// Validate checks the candidate plan and returns a validated deep copy
// with contracts resolved onto every step, or a *Error enumerating every
// offending step. The input plan is not mutated.
func (v *Validator) Validate(p *plan.Plan) (*plan.Plan, error) {
	var issues []Issue
	addIssue := func(stepID, format string, args ...any) {
		issues = append(issues, Issue{StepID: stepID, Message: fmt.Sprintf(format, args...)})
	}

	if p == nil {
		return nil, &Error{Issues: []Issue{{Message: "plan is nil"}}}
	}
	if err := plan.ValidateSlug(p.Slug); err != nil {
		addIssue("", "invalid slug %q: %v", p.Slug, err)
	}
	if len(p.Steps) == 0 {
		addIssue("", "%v", plan.ErrNoSteps)
	}

	validated := p.Clone()
	seen := make(map[string]int, len(validated.Steps))

	for i, step := range validated.Steps {
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if prev, dup := seen[step.ID]; dup {
			addIssue(step.ID, "duplicate step ID (also at position %d)", prev+1)
		}
		seen[step.ID] = i

		if step.Tool == "" {
			addIssue(step.ID, "tool name is required")
			continue
		}

		registered, err := v.contracts.Lookup(step.Tool)
		if err != nil {
			addIssue(step.ID, "tool %q: %v", step.Tool, err)
		} else if step.Contract == nil {
			step.Contract = registered.Clone()
		}

		if step.Contract != nil {
			if err := step.Contract.Check(); err != nil {
				addIssue(step.ID, "contract: %v", err)
			}
			if fb := step.Contract.OnFailure.Fallback; fb != nil && fb.Tool != "" {
				if _, err := v.contracts.Lookup(fb.Tool); err != nil {
					addIssue(step.ID, "fallback tool %q: %v", fb.Tool, err)
				}
			}
		}

		// Sequential execution means a step may only depend on earlier steps.
		for _, dep := range step.DependsOn {
			depIdx, ok := seen[dep]
			if !ok || depIdx >= i {
				addIssue(step.ID, "depends on %q which is not an earlier step", dep)
			}
		}
	}

	if len(issues) > 0 {
		return nil, &Error{PlanID: p.ID, Issues: issues}
	}

	validated.Status = plan.StatusPending
	for _, step := range validated.Steps {
		step.Status = plan.StepStatusPending
		step.Attempts = 0
	}
	return validated, nil
}
