// Package tools provides the builtin tool set for the stepflow runner:
// file operations, HTTP fetches, and small utilities useful for plan
// smoke tests.
package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/stepflow/plan"
	"github.com/c360studio/stepflow/registry"
	"github.com/c360studio/stepflow/tools/file"
)

// maxHTTPBody caps the response body captured by http_get.
const maxHTTPBody = 64 * 1024

// Options configures builtin tool registration.
type Options struct {
	// Root is the directory file tools operate under.
	Root string

	// Recorder, when set, wraps every tool with audit recording.
	Recorder registry.Recorder

	Logger *slog.Logger
}

// Register registers the builtin tools with their contracts.
func Register(r *registry.Registry, opts Options) error {
	if opts.Root == "" {
		opts.Root = "."
	}

	fileExec := file.NewExecutor(opts.Root)

	builtins := []struct {
		tool     registry.Tool
		contract *plan.Contract
	}{
		{
			tool: registry.Func{ToolName: "echo", Fn: echo},
			contract: &plan.Contract{
				InputSchema: objectSchema(map[string]any{
					"message": map[string]any{"type": "string"},
				}, "message"),
				OutputSchema: objectSchema(map[string]any{
					"message": map[string]any{"type": "string"},
				}, "message"),
			},
		},
		{
			tool: registry.Func{ToolName: "sleep", Fn: sleep},
			contract: &plan.Contract{
				InputSchema: objectSchema(map[string]any{
					"duration": map[string]any{"type": "string"},
				}, "duration"),
				OutputSchema: objectSchema(map[string]any{
					"slept": map[string]any{"type": "string"},
				}, "slept"),
			},
		},
		{
			tool: registry.Func{ToolName: "file_read", Fn: fileExec.Read},
			contract: &plan.Contract{
				InputSchema: objectSchema(map[string]any{
					"path": map[string]any{"type": "string"},
				}, "path"),
				OutputSchema: objectSchema(map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"bytes":   map[string]any{"type": "integer"},
				}, "path", "content"),
			},
		},
		{
			tool: registry.Func{ToolName: "file_write", Fn: fileExec.Write},
			contract: &plan.Contract{
				RiskClass: "write",
				InputSchema: objectSchema(map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				}, "path", "content"),
				OutputSchema: objectSchema(map[string]any{
					"path":  map[string]any{"type": "string"},
					"bytes": map[string]any{"type": "integer"},
				}, "path", "bytes"),
			},
		},
		{
			tool: registry.Func{ToolName: "file_list", Fn: fileExec.List},
			contract: &plan.Contract{
				InputSchema: objectSchema(map[string]any{
					"path":    map[string]any{"type": "string"},
					"pattern": map[string]any{"type": "string"},
				}, "path"),
				OutputSchema: objectSchema(map[string]any{
					"path":  map[string]any{"type": "string"},
					"files": map[string]any{"type": "array"},
					"count": map[string]any{"type": "integer"},
				}, "path", "files"),
			},
		},
		{
			tool: registry.Func{ToolName: "http_get", Fn: httpGet},
			contract: &plan.Contract{
				RiskClass: "network",
				Timeout:   plan.Duration(30 * time.Second),
				InputSchema: objectSchema(map[string]any{
					"url": map[string]any{"type": "string"},
				}, "url"),
				OutputSchema: objectSchema(map[string]any{
					"status": map[string]any{"type": "integer"},
					"body":   map[string]any{"type": "string"},
				}, "status"),
			},
		},
	}

	for _, b := range builtins {
		tool := b.tool
		if opts.Recorder != nil {
			tool = registry.NewRecordingTool(tool, opts.Recorder, opts.Logger)
		}
		if err := r.Register(tool, b.contract); err != nil {
			return fmt.Errorf("register %s: %w", b.tool.Name(), err)
		}
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func echo(_ context.Context, input map[string]any) (map[string]any, error) {
	message, ok := input["message"].(string)
	if !ok {
		return nil, fmt.Errorf("message argument is required")
	}
	return map[string]any{"message": message}, nil
}

func sleep(ctx context.Context, input map[string]any) (map[string]any, error) {
	raw, ok := input["duration"].(string)
	if !ok {
		return nil, fmt.Errorf("duration argument is required")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"slept": raw}, nil
}

func httpGet(ctx context.Context, input map[string]any) (map[string]any, error) {
	url, ok := input["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("url argument is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}
