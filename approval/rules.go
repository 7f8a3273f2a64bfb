package approval

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule routes matching steps through the approval gate even when the step
// itself does not set approval_required. Pattern is a glob matched against
// the tool name ("git.*", "**"), RiskClasses matches the contract's risk
// classification; either match triggers.
type Rule struct {
	Name        string   `yaml:"name"`
	Pattern     string   `yaml:"pattern,omitempty"`
	RiskClasses []string `yaml:"risk_classes,omitempty"`
	Reason      string   `yaml:"reason,omitempty"`
}

// Rules is the approval-rules.yaml structure.
type Rules struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRules loads rules from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	for _, r := range rules.Rules {
		if r.Pattern != "" {
			if !doublestar.ValidatePattern(r.Pattern) {
				return nil, fmt.Errorf("rule %q: invalid pattern %q", r.Name, r.Pattern)
			}
		}
	}
	return &rules, nil
}

// Requires reports whether a step invoking the given tool with the given
// risk class must be approved, and the reason from the first matching rule.
func (r *Rules) Requires(tool, riskClass string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range r.Rules {
		if rule.Pattern != "" {
			if ok, err := doublestar.Match(rule.Pattern, tool); err == nil && ok {
				return r.reason(rule), true
			}
		}
		for _, rc := range rule.RiskClasses {
			if rc != "" && rc == riskClass {
				return r.reason(rule), true
			}
		}
	}
	return "", false
}

func (r *Rules) reason(rule Rule) string {
	if rule.Reason != "" {
		return rule.Reason
	}
	if rule.Name != "" {
		return fmt.Sprintf("matched approval rule %q", rule.Name)
	}
	return "matched approval rule"
}
