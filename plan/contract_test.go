package plan

import (
	"errors"
	"testing"
)

func messageSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	}
}

func TestContractCheck(t *testing.T) {
	tests := []struct {
		name     string
		contract *Contract
		wantErr  bool
	}{
		{
			name:     "nil contract",
			contract: nil,
			wantErr:  false,
		},
		{
			name:     "empty contract",
			contract: &Contract{},
			wantErr:  false,
		},
		{
			name: "valid schemas",
			contract: &Contract{
				InputSchema:  messageSchema(),
				OutputSchema: messageSchema(),
			},
			wantErr: false,
		},
		{
			name: "broken input schema",
			contract: &Contract{
				InputSchema: map[string]any{"type": 42},
			},
			wantErr: true,
		},
		{
			name: "unknown policy kind",
			contract: &Contract{
				OnFailure: FailurePolicy{Kind: "explode"},
			},
			wantErr: true,
		},
		{
			name: "fallback without substitute",
			contract: &Contract{
				OnFailure: FailurePolicy{Kind: PolicyFallback},
			},
			wantErr: true,
		},
		{
			name: "fallback with tool",
			contract: &Contract{
				OnFailure: FailurePolicy{
					Kind:     PolicyFallback,
					Fallback: &Fallback{Tool: "other"},
				},
			},
			wantErr: false,
		},
		{
			name: "fallback with literal result",
			contract: &Contract{
				OnFailure: FailurePolicy{
					Kind:     PolicyFallback,
					Fallback: &Fallback{Result: map[string]any{"ok": true}},
				},
			},
			wantErr: false,
		},
		{
			name: "negative max attempts",
			contract: &Contract{
				OnFailure: FailurePolicy{Kind: PolicyRetry, MaxAttempts: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.contract.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyKindDefault(t *testing.T) {
	var nilContract *Contract
	if got := nilContract.PolicyKind(); got != PolicyAbort {
		t.Errorf("nil contract PolicyKind() = %s, want abort", got)
	}
	if got := (&Contract{}).PolicyKind(); got != PolicyAbort {
		t.Errorf("empty contract PolicyKind() = %s, want abort", got)
	}
	c := &Contract{OnFailure: FailurePolicy{Kind: PolicyRetry}}
	if got := c.PolicyKind(); got != PolicyRetry {
		t.Errorf("PolicyKind() = %s, want retry", got)
	}
}

func TestCheckInput(t *testing.T) {
	c := &Contract{InputSchema: messageSchema()}

	if err := c.CheckInput("s1", map[string]any{"message": "hello"}); err != nil {
		t.Errorf("expected valid input, got %v", err)
	}

	err := c.CheckInput("s1", map[string]any{"message": 42})
	var violation *Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *Violation, got %T: %v", err, err)
	}
	if violation.StepID != "s1" {
		t.Errorf("expected step s1, got %s", violation.StepID)
	}
	if violation.Direction != ViolationInput {
		t.Errorf("expected input direction, got %s", violation.Direction)
	}
	if len(violation.Causes) == 0 {
		t.Error("expected at least one cause")
	}
}

func TestCheckOutput(t *testing.T) {
	c := &Contract{OutputSchema: messageSchema()}

	// Missing required field fails even though the tool reported no error
	err := c.CheckOutput("s1", map[string]any{"other": "field"})
	var violation *Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected *Violation, got %T: %v", err, err)
	}
	if violation.Direction != ViolationOutput {
		t.Errorf("expected output direction, got %s", violation.Direction)
	}
}

func TestCheckNilSchemaAcceptsAnything(t *testing.T) {
	c := &Contract{}
	if err := c.CheckInput("s1", map[string]any{"anything": 1}); err != nil {
		t.Errorf("expected nil schema to accept anything, got %v", err)
	}
	if err := c.CheckOutput("s1", nil); err != nil {
		t.Errorf("expected nil schema to accept nil output, got %v", err)
	}
}

func TestCheckNilData(t *testing.T) {
	// A required property must fail against nil data, not panic
	c := &Contract{InputSchema: messageSchema()}
	if err := c.CheckInput("s1", nil); err == nil {
		t.Error("expected violation for nil input against required schema")
	}
}

func TestContractClone(t *testing.T) {
	c := &Contract{
		InputSchema: messageSchema(),
		RiskClass:   "write",
		OnFailure: FailurePolicy{
			Kind:     PolicyFallback,
			Fallback: &Fallback{Tool: "other", Result: map[string]any{"ok": true}},
		},
	}

	clone := c.Clone()
	clone.InputSchema["type"] = "array"
	clone.OnFailure.Fallback.Tool = "changed"
	clone.OnFailure.Fallback.Result["ok"] = false

	if c.InputSchema["type"] != "object" {
		t.Error("clone mutation leaked into input schema")
	}
	if c.OnFailure.Fallback.Tool != "other" {
		t.Error("clone mutation leaked into fallback tool")
	}
	if c.OnFailure.Fallback.Result["ok"] != true {
		t.Error("clone mutation leaked into fallback result")
	}
}
