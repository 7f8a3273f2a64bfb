// Package notify delivers approval notifications and audit records over
// NATS. Channels use protocol URLs ("slack://general",
// "email://team@example.com") mapped onto notification subjects; actual
// delivery to humans belongs to downstream consumers of those subjects.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stepflow/approval"
	"github.com/c360studio/stepflow/registry"
)

// Notification is the published form of an approval request.
type Notification struct {
	// ApprovalID is the request this notification is about.
	ApprovalID string `json:"approval_id"`

	// PlanID and StepID locate the suspended step.
	PlanID string `json:"plan_id"`
	StepID string `json:"step_id"`

	// Reason explains why approval is needed.
	Reason string `json:"reason"`

	// Input snapshots the step input under review.
	Input map[string]any `json:"input,omitempty"`

	// Deadline is when the request times out.
	Deadline time.Time `json:"deadline"`

	// Channel is the target channel (e.g. "slack://general").
	Channel string `json:"channel"`

	// Timestamp is when this notification was created.
	Timestamp time.Time `json:"timestamp"`
}

// NATSNotifier publishes approval notifications to JetStream.
type NATSNotifier struct {
	js      jetstream.JetStream
	channel string
	logger  *slog.Logger
}

var _ approval.Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier creates a notifier for the given channel.
func NewNATSNotifier(js jetstream.JetStream, channel string, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{js: js, channel: channel, logger: logger}
}

// Send publishes the approval request to the channel's subject.
func (n *NATSNotifier) Send(ctx context.Context, req *approval.Request) error {
	notification := &Notification{
		ApprovalID: req.ID,
		PlanID:     req.PlanID,
		StepID:     req.StepID,
		Reason:     req.Reason,
		Input:      req.Input,
		Deadline:   req.Deadline,
		Channel:    n.channel,
		Timestamp:  time.Now().UTC(),
	}

	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := parseChannelSubject(n.channel)
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	n.logger.Debug("Notification sent",
		"approval_id", req.ID,
		"channel", n.channel,
		"subject", subject)
	return nil
}

// parseChannelSubject converts a channel URL to a NATS subject.
// Examples:
//   - "slack://general" → "notification.slack.general"
//   - "email://team@example.com" → "notification.email.team@example.com"
func parseChannelSubject(channel string) string {
	subject := "notification.generic"

	for _, prefix := range []string{"slack://", "email://", "webhook://"} {
		if strings.HasPrefix(channel, prefix) {
			protocol := strings.TrimSuffix(prefix, "://")
			destination := strings.TrimPrefix(channel, prefix)
			subject = fmt.Sprintf("notification.%s.%s", protocol, destination)
			break
		}
	}
	return subject
}

// LogNotifier writes approval requests to the log. It backs runs without
// a NATS connection, where resolutions arrive through the CLI.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ approval.Notifier = (*LogNotifier)(nil)

// Send logs the request.
func (n *LogNotifier) Send(_ context.Context, req *approval.Request) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Approval required",
		"approval_id", req.ID,
		"plan_id", req.PlanID,
		"step_id", req.StepID,
		"reason", req.Reason,
		"deadline", req.Deadline)
	return nil
}

// AuditSubjectPrefix is the subject prefix for tool invocation records.
const AuditSubjectPrefix = "audit.tool"

// AuditPublisher publishes tool invocation records to JetStream, forming
// the engine's audit trail.
type AuditPublisher struct {
	js jetstream.JetStream
}

var _ registry.Recorder = (*AuditPublisher)(nil)

// NewAuditPublisher creates an audit publisher.
func NewAuditPublisher(js jetstream.JetStream) *AuditPublisher {
	return &AuditPublisher{js: js}
}

// Record publishes one invocation record to audit.tool.{name}.
func (p *AuditPublisher) Record(ctx context.Context, rec *registry.InvocationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invocation record: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", AuditSubjectPrefix, rec.ToolName)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}
