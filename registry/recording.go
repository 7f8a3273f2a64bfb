package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// MaxRecordedInputLength is the max length for serialized input stored in a record.
const MaxRecordedInputLength = 1000

// MaxRecordedOutputLength is the max length for serialized output stored in a record.
const MaxRecordedOutputLength = 2000

// InvocationRecord captures one tool invocation for the audit trail.
type InvocationRecord struct {
	ToolName    string    `json:"tool_name"`
	Input       string    `json:"input"`
	Output      string    `json:"output,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// Recorder persists invocation records.
type Recorder interface {
	Record(ctx context.Context, rec *InvocationRecord) error
}

// RecordingTool wraps a Tool and records each call through a Recorder.
// Recording is asynchronous and best-effort so it never slows down or
// fails tool execution.
type RecordingTool struct {
	inner    Tool
	recorder Recorder
	logger   *slog.Logger
}

// NewRecordingTool wraps a tool with audit recording.
func NewRecordingTool(inner Tool, recorder Recorder, logger *slog.Logger) *RecordingTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingTool{inner: inner, recorder: recorder, logger: logger}
}

// Name delegates to the inner tool.
func (r *RecordingTool) Name() string { return r.inner.Name() }

// Execute runs the inner tool and records the call.
func (r *RecordingTool) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	startedAt := time.Now()

	output, execErr := r.inner.Execute(ctx, input)

	completedAt := time.Now()
	go r.recordCall(input, output, execErr, startedAt, completedAt)

	return output, execErr
}

// QueryOutcome delegates to the inner tool when it supports outcome queries.
func (r *RecordingTool) QueryOutcome(ctx context.Context, planID, stepID string) (map[string]any, bool, error) {
	q, ok := r.inner.(OutcomeQuerier)
	if !ok {
		return nil, false, nil
	}
	return q.QueryOutcome(ctx, planID, stepID)
}

func (r *RecordingTool) recordCall(input, output map[string]any, execErr error, startedAt, completedAt time.Time) {
	if r.recorder == nil {
		return
	}

	status := "success"
	var errMsg string
	if execErr != nil {
		status = "error"
		errMsg = execErr.Error()
	}

	rec := &InvocationRecord{
		ToolName:    r.inner.Name(),
		Input:       truncateJSON(input, MaxRecordedInputLength),
		Output:      truncateJSON(output, MaxRecordedOutputLength),
		Status:      status,
		Error:       errMsg,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.recorder.Record(ctx, rec); err != nil {
		r.logger.Warn("Failed to record tool invocation",
			"tool", rec.ToolName,
			"error", err)
	}
}

// truncateJSON marshals a map to JSON and truncates to maxLen.
func truncateJSON(m map[string]any, maxLen int) string {
	if m == nil {
		return "{}"
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}

	s := string(data)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
