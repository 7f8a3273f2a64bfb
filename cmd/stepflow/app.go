package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stepflow/approval"
	"github.com/c360studio/stepflow/checkpoint"
	"github.com/c360studio/stepflow/config"
	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/notify"
	"github.com/c360studio/stepflow/plan"
	"github.com/c360studio/stepflow/plan/validation"
	"github.com/c360studio/stepflow/registry"
	"github.com/c360studio/stepflow/tools"
	"github.com/c360studio/stepflow/trace"
)

// DecisionSubjectPrefix is the NATS subject prefix approval decisions
// arrive on. The request ID is the final token.
const DecisionSubjectPrefix = "approval.decision"

// decisionMessage is the wire form of an approval decision.
type decisionMessage struct {
	RequestID     string         `json:"request_id"`
	Decision      string         `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
	ResolvedBy    string         `json:"resolved_by,omitempty"`
}

// app wires the engine together: stores, gate, registry, executor.
// With a NATS URL configured it uses JetStream-backed checkpoints,
// NATS notifications, trace publishing, and a decision subscription;
// without one everything runs in memory.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn *nats.Conn
	js       jetstream.JetStream

	registry *registry.Registry
	gate     *approval.Gate
	exec     *executor.Executor

	decisionSub *nats.Subscription
}

func newApp(ctx context.Context, configPath, logLevel string) (*app, error) {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	if cfg.NATS.URL != "" {
		logger.Info("Connecting to NATS", "url", cfg.NATS.URL)
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn

		js, err := jetstream.New(conn)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		a.js = js
	}

	store, err := a.newCheckpointStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	checkpoints := checkpoint.NewManager(store, checkpoint.DefaultManagerConfig(), logger)

	a.gate = approval.NewGate(a.newNotifier(), approval.GateConfig{
		Window:    cfg.Approval.Window,
		OnTimeout: approval.TimeoutPolicy(cfg.Approval.OnTimeout),
	}, logger)

	rules, err := a.loadRules()
	if err != nil {
		a.close()
		return nil, err
	}

	a.registry = registry.New()
	if err := tools.Register(a.registry, tools.Options{
		Root:     ".",
		Recorder: a.newRecorder(),
		Logger:   logger,
	}); err != nil {
		a.close()
		return nil, err
	}

	a.exec, err = executor.New(a.registry, a.gate, checkpoints, a.newTracer(), executor.Config{
		Retry: executor.RetryDefaults{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BackoffBase:       cfg.Retry.BackoffBase,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			ToolTimeout:       cfg.Retry.ToolTimeout,
		},
		Rejection: approval.RejectionPolicy(cfg.Approval.OnRejection),
		Rules:     rules,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create executor: %w", err)
	}

	if err := a.subscribeDecisions(); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.Resolve(logger)
}

func (a *app) newCheckpointStore(ctx context.Context) (checkpoint.Store, error) {
	if a.js == nil {
		a.logger.Debug("Using in-memory checkpoint store")
		return checkpoint.NewMemoryStore(), nil
	}
	store, err := checkpoint.NewNATSStore(ctx, a.js, checkpoint.NATSStoreConfig{
		Bucket:    a.cfg.NATS.CheckpointBucket,
		Retention: a.cfg.NATS.CheckpointRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint store: %w", err)
	}
	return store, nil
}

func (a *app) newNotifier() approval.Notifier {
	if a.js == nil {
		return &notify.LogNotifier{Logger: a.logger}
	}
	return notify.NewNATSNotifier(a.js, a.cfg.Approval.Channel, a.logger)
}

func (a *app) newTracer() *trace.Dispatcher {
	if a.js == nil {
		return nil
	}
	return trace.NewDispatcher(trace.NewNATSEmitter(a.js), a.logger)
}

func (a *app) newRecorder() registry.Recorder {
	if a.js == nil {
		return nil
	}
	return notify.NewAuditPublisher(a.js)
}

func (a *app) loadRules() (*approval.Rules, error) {
	if a.cfg.Approval.RulesPath == "" {
		return nil, nil
	}
	rules, err := approval.LoadRules(a.cfg.Approval.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load approval rules: %w", err)
	}
	return rules, nil
}

// subscribeDecisions routes NATS decision messages into the gate so
// suspended plans held by this process can be resolved externally.
func (a *app) subscribeDecisions() error {
	if a.natsConn == nil {
		return nil
	}

	sub, err := a.natsConn.Subscribe(DecisionSubjectPrefix+".*", func(msg *nats.Msg) {
		var dec decisionMessage
		if err := json.Unmarshal(msg.Data, &dec); err != nil {
			a.logger.Warn("Malformed approval decision", "subject", msg.Subject, "error", err)
			return
		}
		if dec.RequestID == "" {
			if i := strings.LastIndex(msg.Subject, "."); i >= 0 {
				dec.RequestID = msg.Subject[i+1:]
			}
		}

		status := approval.StatusRejected
		if dec.Decision == string(approval.DecisionApprove) {
			status = approval.StatusApproved
		}

		if err := a.gate.Resolve(dec.RequestID, status, dec.Modifications, dec.ResolvedBy); err != nil {
			if !errors.Is(err, approval.ErrUnknownRequest) {
				a.logger.Warn("Failed to resolve approval", "request_id", dec.RequestID, "error", err)
			}
			return
		}
		a.logger.Info("Approval resolved",
			"request_id", dec.RequestID,
			"status", status,
			"resolved_by", dec.ResolvedBy)
	})
	if err != nil {
		return fmt.Errorf("subscribe to approval decisions: %w", err)
	}
	a.decisionSub = sub
	return nil
}

// publishDecision publishes an approval decision for a request held by
// any stepflow process on the same NATS deployment.
func (a *app) publishDecision(_ context.Context, requestID string, approve bool, resolvedBy string) error {
	if a.natsConn == nil {
		return errors.New("approve requires a configured NATS URL")
	}

	decision := string(approval.DecisionReject)
	if approve {
		decision = string(approval.DecisionApprove)
	}

	payload, err := json.Marshal(decisionMessage{
		RequestID:  requestID,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	})
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", DecisionSubjectPrefix, requestID)
	if err := a.natsConn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	if err := a.natsConn.Flush(); err != nil {
		return fmt.Errorf("flush decision: %w", err)
	}

	fmt.Printf("Published %s for request %s\n", decision, requestID)
	return nil
}

// submit obtains a plan from the planner and executes it. With resume
// set, or when a checkpoint for the plan already exists, execution
// continues from the last committed step.
func (a *app) submit(ctx context.Context, planner executor.Planner, resume bool) error {
	p, err := planner.CreatePlan(ctx)
	if err != nil {
		return err
	}

	var out *executor.Outcome
	if resume {
		out, err = a.exec.Resume(ctx, p)
	} else {
		out, err = a.exec.Execute(ctx, p)
		if errors.Is(err, executor.ErrConcurrentExecution) {
			// A checkpoint exists from an earlier run; pick it up.
			a.logger.Info("Existing checkpoint found, resuming", "plan_id", p.ID)
			out, err = a.exec.Resume(ctx, p)
		}
	}
	if err != nil {
		return err
	}

	printOutcome(out)
	return exitError(out)
}

// validateFile loads and validates a plan file without executing it.
func (a *app) validateFile(path string) error {
	p, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	if _, err := validation.NewValidator(a.registry).Validate(p); err != nil {
		return err
	}
	fmt.Printf("Plan %s is valid (%d steps)\n", p.ID, len(p.Steps))
	return nil
}

func (a *app) close() {
	if a.decisionSub != nil {
		_ = a.decisionSub.Unsubscribe()
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
}
