// Package file provides file operation tools scoped to a root directory.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Executor implements file operation tools. All paths are resolved
// relative to the configured root and may not escape it.
type Executor struct {
	root string
}

// NewExecutor creates a file executor rooted at the given directory.
func NewExecutor(root string) *Executor {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Executor{root: abs}
}

// Read returns the contents of a file under the root.
func (e *Executor) Read(_ context.Context, input map[string]any) (map[string]any, error) {
	path, ok := input["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path argument is required")
	}

	fullPath, err := e.validatePath(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return map[string]any{
		"path":    path,
		"content": string(content),
		"bytes":   len(content),
	}, nil
}

// Write writes content to a file under the root, creating parent
// directories as needed.
func (e *Executor) Write(_ context.Context, input map[string]any) (map[string]any, error) {
	path, ok := input["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path argument is required")
	}
	content, ok := input["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content argument is required")
	}

	fullPath, err := e.validatePath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return map[string]any{
		"path":  path,
		"bytes": len(content),
	}, nil
}

// List lists entries of a directory under the root, optionally filtered
// by a glob pattern.
func (e *Executor) List(_ context.Context, input map[string]any) (map[string]any, error) {
	path, ok := input["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path argument is required")
	}
	pattern, _ := input["pattern"].(string)

	fullPath, err := e.validatePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", path)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	files := []any{}
	for _, entry := range entries {
		name := entry.Name()

		if pattern != "" {
			matched, err := filepath.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			if !matched {
				continue
			}
		}

		if entry.IsDir() {
			name += "/"
		}
		files = append(files, name)
	}

	return map[string]any{
		"path":  path,
		"files": files,
		"count": len(files),
	}, nil
}

// validatePath validates and resolves a path, ensuring it's within the root
func (e *Executor) validatePath(path string) (string, error) {
	var fullPath string
	if filepath.IsAbs(path) {
		fullPath = filepath.Clean(path)
	} else {
		fullPath = filepath.Clean(filepath.Join(e.root, path))
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if !strings.HasPrefix(absPath, e.root+string(filepath.Separator)) && absPath != e.root {
		return "", fmt.Errorf("access denied: path is outside root")
	}

	return absPath, nil
}
