package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix is the subject prefix for published trace events.
const SubjectPrefix = "trace.plan"

// NATSEmitter publishes trace events to JetStream so any external tracing
// backend can consume them. Subjects follow trace.plan.{slug}.
type NATSEmitter struct {
	js jetstream.JetStream
}

// NewNATSEmitter creates an emitter publishing through the given JetStream
// context.
func NewNATSEmitter(js jetstream.JetStream) *NATSEmitter {
	return &NATSEmitter{js: js}
}

// Emit publishes one event.
func (e *NATSEmitter) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", SubjectPrefix, planSubjectToken(ev.PlanID))
	if _, err := e.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish trace event: %w", err)
	}
	return nil
}

// planSubjectToken strips the plan. prefix so subjects do not double up.
func planSubjectToken(planID string) string {
	const prefix = "plan."
	if len(planID) > len(prefix) && planID[:len(prefix)] == prefix {
		return planID[len(prefix):]
	}
	return planID
}
