package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// EnvConfigPath names an environment variable that, when set, replaces
// the layered file search with a single explicit config file.
const EnvConfigPath = "STEPFLOW_CONFIG"

const (
	projectFile = "stepflow.yaml"
	userDir     = ".config/stepflow"
	userFile    = "config.yaml"
)

// Resolve assembles the effective configuration. Layers apply lowest to
// highest: built-in defaults, the user file under ~/.config/stepflow/,
// then the nearest stepflow.yaml walking up from the working directory.
// Setting STEPFLOW_CONFIG short-circuits the search and loads exactly
// that file over the defaults.
func Resolve(logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if path := os.Getenv(EnvConfigPath); path != "" {
		layer, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s=%s: %w", EnvConfigPath, path, err)
		}
		cfg.Merge(layer)
		logger.Debug("Config from environment override", "path", path)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	for _, path := range []string{userConfigPath(), nearestProjectConfig()} {
		if path == "" {
			continue
		}
		layer, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg.Merge(layer)
			logger.Debug("Applied config layer", "path", path)
		case errors.Is(err, os.ErrNotExist):
			// Absent layers are fine
		default:
			logger.Warn("Skipping unreadable config layer", "path", path, "error", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, userDir, userFile)
}

// nearestProjectConfig returns the first stepflow.yaml found walking up
// from the working directory, or "" when none exists.
func nearestProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return findUp(cwd, projectFile)
}

func findUp(start, name string) string {
	for dir := start; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}
