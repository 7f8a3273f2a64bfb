package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a plan document from a JSON or YAML file, selected by
// extension. Missing IDs are derived from the file name.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var p Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse plan file %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse plan file %s: %w", path, err)
		}
	}

	if p.Slug == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		p.Slug = strings.ToLower(base)
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = fmt.Sprintf("plan.%s", p.Slug)
	}
	if p.Version == "" {
		p.Version = SchemaVersion
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	for _, s := range p.Steps {
		if s.Status == "" {
			s.Status = StepStatusPending
		}
	}
	return &p, nil
}

// FilePlanner produces plans from a plan document on disk. It satisfies
// the executor's planner capability, so file-driven and model-driven
// plan sources are interchangeable at submission time.
type FilePlanner struct {
	Path string
}

// NewFilePlanner returns a planner reading from the given path.
func NewFilePlanner(path string) *FilePlanner {
	return &FilePlanner{Path: path}
}

// CreatePlan loads the plan document. The file is re-read on every call
// so a planner can be reused across watch cycles.
func (f *FilePlanner) CreatePlan(_ context.Context) (*Plan, error) {
	return LoadFile(f.Path)
}

// SaveFile writes a plan document as indented JSON.
func SaveFile(p *Plan, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	return nil
}
