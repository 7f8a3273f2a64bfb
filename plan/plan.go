// Package plan defines the execution plan data model: plans, steps,
// contracts, and execution results. A plan is an ordered sequence of tool
// invocations produced by a planner, validated once, then owned by the
// executor until it reaches a terminal status.
package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current plan document version.
const SchemaVersion = "1.0.0"

// Sentinel errors for plan operations.
var (
	ErrSlugRequired = errors.New("slug is required")
	ErrInvalidSlug  = errors.New("invalid slug: must be lowercase alphanumeric with hyphens, no path separators")
	ErrNoSteps      = errors.New("plan has no steps")
)

// slugPattern validates slugs: lowercase alphanumeric with hyphens, 1-50 chars.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,48}[a-z0-9])?$`)

// ValidateSlug checks if a slug is valid and safe for use in IDs and store keys.
func ValidateSlug(slug string) error {
	if slug == "" {
		return ErrSlugRequired
	}
	// Prevent path traversal and subject injection
	if strings.Contains(slug, "..") || strings.Contains(slug, "/") || strings.Contains(slug, "\\") {
		return ErrInvalidSlug
	}
	if !slugPattern.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// Status is the overall status of a plan.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsValid reports whether the status is a known plan status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval,
		StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status halts further execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the status of a single step.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusRunning          StepStatus = "running"
	StepStatusSucceeded        StepStatus = "succeeded"
	StepStatusFailed           StepStatus = "failed"
	StepStatusSkipped          StepStatus = "skipped"
)

// IsValid reports whether the status is a known step status.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStatusPending, StepStatusAwaitingApproval, StepStatusRunning,
		StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Step is one tool invocation governed by a contract.
type Step struct {
	// ID uniquely identifies the step within its plan.
	ID string `json:"id" yaml:"id"`

	// Tool is the registry name of the tool to invoke.
	Tool string `json:"tool" yaml:"tool"`

	// Input holds the tool input parameters.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`

	// Contract governs this step. When nil, the validator resolves the
	// tool's registered contract onto the step.
	Contract *Contract `json:"contract,omitempty" yaml:"contract,omitempty"`

	// ApprovalRequired routes the step through the approval gate before
	// execution regardless of any configured approval rules.
	ApprovalRequired bool `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`

	// DependsOn lists IDs of earlier steps whose results this step's input
	// refers to. Execution is strictly sequential, so forward references
	// are a validation error.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Status is the current step status.
	Status StepStatus `json:"status,omitempty" yaml:"status,omitempty"`

	// Attempts counts execution attempts so far.
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// Plan is an ordered sequence of steps for one workflow instance.
// Once validated it is immutable except for status, step statuses, and
// attempt counters.
type Plan struct {
	// ID uniquely identifies this plan (format: plan.{slug}).
	ID string `json:"id" yaml:"id"`

	// Slug is the short identifier used for store keys and subjects.
	Slug string `json:"slug" yaml:"slug"`

	// Version is the plan document schema version.
	Version string `json:"version" yaml:"version"`

	// Steps is the ordered step sequence.
	Steps []*Step `json:"steps" yaml:"steps"`

	// Status is the overall plan status.
	Status Status `json:"status" yaml:"status"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// New creates a plan in pending status with a generated slug suffix.
func New(slug string, steps ...*Step) (*Plan, error) {
	if slug == "" {
		slug = fmt.Sprintf("p-%s", uuid.New().String()[:8])
	}
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	p := &Plan{
		ID:        fmt.Sprintf("plan.%s", slug),
		Slug:      slug,
		Version:   SchemaVersion,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StepStatusPending
		}
	}
	return p, nil
}

// StepIndex returns the position of the step with the given ID, or -1.
func (p *Plan) StepIndex(stepID string) int {
	for i, s := range p.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the plan. The executor works on a clone so
// the caller's plan is never mutated mid-run.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.Input = cloneMap(s.Input)
		if s.Contract != nil {
			cc := s.Contract.Clone()
			sc.Contract = cc
		}
		if s.DependsOn != nil {
			sc.DependsOn = append([]string(nil), s.DependsOn...)
		}
		cp.Steps[i] = &sc
	}
	return &cp
}

// cloneMap deep-copies a parameter map one level down. Nested maps and
// slices are copied; other values are shared.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}
