package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PolicyKind selects how a step failure is handled.
type PolicyKind string

const (
	// PolicyRetry re-attempts the step with exponential backoff, degrading
	// to abort once max attempts are exhausted.
	PolicyRetry PolicyKind = "retry"
	// PolicyFallback substitutes an alternate tool or default result.
	PolicyFallback PolicyKind = "fallback"
	// PolicyEscalate asks a human whether to retry, skip, or abort.
	PolicyEscalate PolicyKind = "escalate"
	// PolicyAbort halts the plan, marking it failed.
	PolicyAbort PolicyKind = "abort"
)

// IsValid reports whether the kind is a known failure policy.
func (k PolicyKind) IsValid() bool {
	switch k {
	case PolicyRetry, PolicyFallback, PolicyEscalate, PolicyAbort:
		return true
	}
	return false
}

// Fallback describes the substitute applied by the fallback policy.
// Exactly one of Tool or Result should be set: an alternate tool invoked
// with the same input, or a literal default result.
type Fallback struct {
	Tool   string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Result map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
}

// FailurePolicy configures failure handling for a contract.
type FailurePolicy struct {
	Kind PolicyKind `json:"kind" yaml:"kind"`

	// MaxAttempts bounds execution attempts. Zero means the engine default.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// BackoffBase is the first retry delay. Subsequent delays grow by
	// BackoffMultiplier with jitter applied.
	BackoffBase       Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`

	// Fallback is required when Kind is PolicyFallback.
	Fallback *Fallback `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Contract is the typed agreement governing a step: input/output schemas,
// an invocation timeout, and a failure policy. Schemas are JSON Schema
// documents; an absent schema accepts anything.
type Contract struct {
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`

	// Timeout bounds a single tool invocation. Zero means the engine default.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RiskClass labels the step for approval rule matching (e.g. "write",
	// "destructive", "external").
	RiskClass string `json:"risk_class,omitempty" yaml:"risk_class,omitempty"`

	// OnFailure selects the failure policy. Zero value means abort.
	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Clone returns a deep copy of the contract.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	cc := *c
	cc.InputSchema = cloneMap(c.InputSchema)
	cc.OutputSchema = cloneMap(c.OutputSchema)
	if c.OnFailure.Fallback != nil {
		fb := *c.OnFailure.Fallback
		fb.Result = cloneMap(c.OnFailure.Fallback.Result)
		cc.OnFailure.Fallback = &fb
	}
	return &cc
}

// PolicyKind returns the effective failure policy kind (abort when unset).
func (c *Contract) PolicyKind() PolicyKind {
	if c == nil || c.OnFailure.Kind == "" {
		return PolicyAbort
	}
	return c.OnFailure.Kind
}

// Check verifies the contract is well-formed: schemas compile and the
// failure policy is coherent.
func (c *Contract) Check() error {
	if c == nil {
		return nil
	}
	if c.InputSchema != nil {
		if _, err := compileSchema(c.InputSchema); err != nil {
			return fmt.Errorf("input schema: %w", err)
		}
	}
	if c.OutputSchema != nil {
		if _, err := compileSchema(c.OutputSchema); err != nil {
			return fmt.Errorf("output schema: %w", err)
		}
	}
	if c.OnFailure.Kind != "" && !c.OnFailure.Kind.IsValid() {
		return fmt.Errorf("unknown failure policy %q", c.OnFailure.Kind)
	}
	if c.OnFailure.Kind == PolicyFallback {
		fb := c.OnFailure.Fallback
		if fb == nil || (fb.Tool == "" && fb.Result == nil) {
			return errors.New("fallback policy requires an alternate tool or default result")
		}
	}
	if c.OnFailure.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", c.OnFailure.MaxAttempts)
	}
	return nil
}

// ViolationDirection distinguishes input from output contract violations.
type ViolationDirection string

const (
	ViolationInput  ViolationDirection = "input"
	ViolationOutput ViolationDirection = "output"
)

// Violation reports a schema mismatch between a step's data and its
// contract. Contract satisfaction, not tool opinion, determines step
// success, so a violation on output fails the step even when the tool
// itself reported success.
type Violation struct {
	StepID    string
	Direction ViolationDirection
	Causes    []string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return fmt.Sprintf("contract violation on step %s (%s): %s",
		v.StepID, v.Direction, strings.Join(v.Causes, "; "))
}

// CheckInput validates the input parameters against the input schema.
// A mismatch returns a *Violation.
func (c *Contract) CheckInput(stepID string, input map[string]any) error {
	if c == nil || c.InputSchema == nil {
		return nil
	}
	return validateAgainst(c.InputSchema, input, stepID, ViolationInput)
}

// CheckOutput validates the tool output against the output schema.
func (c *Contract) CheckOutput(stepID string, output map[string]any) error {
	if c == nil || c.OutputSchema == nil {
		return nil
	}
	return validateAgainst(c.OutputSchema, output, stepID, ViolationOutput)
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateAgainst(schema, data map[string]any, stepID string, dir ViolationDirection) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return &Violation{StepID: stepID, Direction: dir, Causes: []string{err.Error()}}
	}

	if data == nil {
		data = map[string]any{}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return &Violation{StepID: stepID, Direction: dir, Causes: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	causes := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		causes = append(causes, re.String())
	}
	return &Violation{StepID: stepID, Direction: dir, Causes: causes}
}
