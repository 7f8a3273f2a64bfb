// Package config provides configuration loading and management for the
// stepflow engine and its CLI runner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete stepflow configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Retry    RetryConfig    `yaml:"retry"`
	Approval ApprovalConfig `yaml:"approval"`
	Runner   RunnerConfig   `yaml:"runner"`
}

// NATSConfig configures the NATS connection and buckets
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory stores, no tracing)
	URL string `yaml:"url"`
	// CheckpointBucket is the KV bucket for plan checkpoints
	CheckpointBucket string `yaml:"checkpoint_bucket"`
	// CheckpointRetention is how long idle checkpoints are kept
	CheckpointRetention time.Duration `yaml:"checkpoint_retention"`
}

// RetryConfig configures engine retry defaults for contracts that leave
// them unset
type RetryConfig struct {
	// MaxAttempts bounds step execution attempts
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the first retry delay
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier grows the delay per attempt
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// ToolTimeout bounds a single tool invocation
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// ApprovalConfig configures the approval gate
type ApprovalConfig struct {
	// Window is the deadline window for new approval requests
	Window time.Duration `yaml:"window"`
	// OnTimeout is the decision applied on deadline expiry (reject, approve)
	OnTimeout string `yaml:"on_timeout"`
	// OnRejection is what a rejected step becomes (fail, skip)
	OnRejection string `yaml:"on_rejection"`
	// Channel is the notification channel (e.g. "slack://approvals")
	Channel string `yaml:"channel"`
	// RulesPath points at an approval rules YAML file (optional)
	RulesPath string `yaml:"rules_path"`
}

// RunnerConfig configures the CLI plan runner
type RunnerConfig struct {
	// PlansDir is the directory watched for plan files
	PlansDir string `yaml:"plans_dir"`
	// DebounceDelay is how long the watcher waits for further writes
	// before submitting a changed plan file
	DebounceDelay time.Duration `yaml:"debounce_delay"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:                 "",
			CheckpointBucket:    "PLAN_CHECKPOINTS",
			CheckpointRetention: 24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       5 * time.Second,
			BackoffMultiplier: 2.0,
			ToolTimeout:       time.Minute,
		},
		Approval: ApprovalConfig{
			Window:      time.Hour,
			OnTimeout:   "reject",
			OnRejection: "fail",
			Channel:     "slack://approvals",
		},
		Runner: RunnerConfig{
			PlansDir:      "plans",
			DebounceDelay: 500 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if c.Approval.Window <= 0 {
		return fmt.Errorf("approval.window must be positive")
	}
	switch c.Approval.OnTimeout {
	case "reject", "approve":
	default:
		return fmt.Errorf("approval.on_timeout must be reject or approve, got %q", c.Approval.OnTimeout)
	}
	switch c.Approval.OnRejection {
	case "fail", "skip":
	default:
		return fmt.Errorf("approval.on_rejection must be fail or skip, got %q", c.Approval.OnRejection)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.CheckpointBucket != "" {
		c.NATS.CheckpointBucket = other.NATS.CheckpointBucket
	}
	if other.NATS.CheckpointRetention != 0 {
		c.NATS.CheckpointRetention = other.NATS.CheckpointRetention
	}

	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.ToolTimeout != 0 {
		c.Retry.ToolTimeout = other.Retry.ToolTimeout
	}

	if other.Approval.Window != 0 {
		c.Approval.Window = other.Approval.Window
	}
	if other.Approval.OnTimeout != "" {
		c.Approval.OnTimeout = other.Approval.OnTimeout
	}
	if other.Approval.OnRejection != "" {
		c.Approval.OnRejection = other.Approval.OnRejection
	}
	if other.Approval.Channel != "" {
		c.Approval.Channel = other.Approval.Channel
	}
	if other.Approval.RulesPath != "" {
		c.Approval.RulesPath = other.Approval.RulesPath
	}

	if other.Runner.PlansDir != "" {
		c.Runner.PlansDir = other.Runner.PlansDir
	}
	if other.Runner.DebounceDelay != 0 {
		c.Runner.DebounceDelay = other.Runner.DebounceDelay
	}
}
