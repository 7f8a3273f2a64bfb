package approval

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approval-rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	return path
}

func TestLoadRules(t *testing.T) {
	path := writeRules(t, `version: "1"
rules:
  - name: git-pushes
    pattern: "git.*"
    reason: "pushes need a second pair of eyes"
  - name: destructive
    risk_classes: [write, delete]
`)

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules.Rules))
	}
	if rules.Rules[0].Pattern != "git.*" {
		t.Errorf("unexpected pattern: %q", rules.Rules[0].Pattern)
	}
	if len(rules.Rules[1].RiskClasses) != 2 {
		t.Errorf("unexpected risk classes: %v", rules.Rules[1].RiskClasses)
	}
}

func TestLoadRulesInvalidPattern(t *testing.T) {
	path := writeRules(t, `version: "1"
rules:
  - name: broken
    pattern: "git.[push"
`)
	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for invalid glob pattern")
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	if _, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRulesRequires(t *testing.T) {
	rules := &Rules{Rules: []Rule{
		{Name: "git-pushes", Pattern: "git.*", Reason: "pushes need review"},
		{Name: "deep", Pattern: "cloud.**"},
		{Name: "destructive", RiskClasses: []string{"delete"}},
	}}

	tests := []struct {
		name      string
		tool      string
		riskClass string
		want      bool
		reason    string
	}{
		{"pattern match", "git.push", "", true, "pushes need review"},
		{"pattern no match", "file_read", "read", false, ""},
		{"doublestar match", "cloud.aws.s3", "", true, `matched approval rule "deep"`},
		{"risk class match", "file_write", "delete", true, `matched approval rule "destructive"`},
		{"risk class no match", "file_write", "write", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := rules.Requires(tt.tool, tt.riskClass)
			if ok != tt.want {
				t.Errorf("Requires(%q, %q) = %v, want %v", tt.tool, tt.riskClass, ok, tt.want)
			}
			if ok && reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestRulesRequiresNil(t *testing.T) {
	var rules *Rules
	if _, ok := rules.Requires("git.push", "write"); ok {
		t.Error("nil rules should never require approval")
	}
}

func TestRulesEmptyRiskClassNeverMatches(t *testing.T) {
	rules := &Rules{Rules: []Rule{{Name: "odd", RiskClasses: []string{""}}}}
	if _, ok := rules.Requires("anything", ""); ok {
		t.Error("empty risk class entry must not match unclassified tools")
	}
}
