package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/stepflow/metrics"
)

// Sentinel errors for gate operations.
var (
	ErrUnknownRequest = errors.New("unknown approval request")
)

// Notifier dispatches approval requests to whoever answers them. Delivery
// failures do not cancel the request; the deadline still governs it.
type Notifier interface {
	Send(ctx context.Context, req *Request) error
}

// StatusQuerier is an optional Notifier capability: backends that track
// resolutions externally can be polled for an answer that arrived while
// the engine was down.
type StatusQuerier interface {
	Query(ctx context.Context, approvalID string) (*Resolution, bool, error)
}

// GateConfig configures deadline and timeout behavior.
type GateConfig struct {
	// Window is the default deadline window for new requests.
	Window time.Duration

	// OnTimeout maps an expired deadline to a decision. Defaults to reject.
	OnTimeout TimeoutPolicy
}

// DefaultGateConfig returns a 1 hour window with reject-on-timeout.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Window:    time.Hour,
		OnTimeout: TimeoutReject,
	}
}

// Gate mediates suspensions: it creates and dispatches requests, waits for
// resolutions, and enforces deadlines. Resolution is idempotent by request
// identity: resolving an already-resolved request has no further effect.
// A resolution is held only until the awaiting executor consumes it, then
// discarded; the gate carries no state for settled requests.
type Gate struct {
	notifier Notifier
	config   GateConfig
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*Request
	resolved map[string]Resolution
	waiters  map[string][]chan Resolution
}

// NewGate creates a gate dispatching through the given notifier.
func NewGate(notifier Notifier, config GateConfig, logger *slog.Logger) *Gate {
	if config.Window <= 0 {
		config.Window = DefaultGateConfig().Window
	}
	if config.OnTimeout == "" {
		config.OnTimeout = TimeoutReject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		notifier: notifier,
		config:   config,
		logger:   logger,
		pending:  make(map[string]*Request),
		resolved: make(map[string]Resolution),
		waiters:  make(map[string][]chan Resolution),
	}
}

// Window returns the configured deadline window.
func (g *Gate) Window() time.Duration { return g.config.Window }

// Open creates a pending request with a deadline and dispatches it. A
// notification failure is logged, not fatal: the deadline still governs
// the request and a poll-capable backend may answer anyway.
func (g *Gate) Open(ctx context.Context, planID, stepID, reason string, attempt int, input map[string]any) (*Request, error) {
	req := NewRequest(planID, stepID, reason, attempt, input, time.Now().UTC().Add(g.config.Window))

	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()

	if g.notifier != nil {
		if err := g.notifier.Send(ctx, req); err != nil {
			g.logger.Warn("Approval notification failed",
				"approval_id", req.ID,
				"plan_id", planID,
				"step_id", stepID,
				"error", err)
		}
	}

	g.logger.Info("Approval requested",
		"approval_id", req.ID,
		"plan_id", planID,
		"step_id", stepID,
		"reason", reason,
		"deadline", req.Deadline)

	return req, nil
}

// Restore re-registers a request recovered from a checkpoint. The stored
// deadline is kept as-is so a restart never extends it. No notification
// is re-sent.
func (g *Gate) Restore(req *Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.resolved[req.ID]; done {
		return
	}
	g.pending[req.ID] = req
}

// Resolve records a resolution for a pending request and wakes waiters.
// Resolving an already-resolved request is a no-op; an unknown ID is
// ErrUnknownRequest.
func (g *Gate) Resolve(id string, status Status, modifications map[string]any, resolvedBy string) error {
	res := Resolution{
		Status:        status,
		Decision:      g.decisionFor(status),
		Modifications: modifications,
		ResolvedBy:    resolvedBy,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveLocked(id, res)
}

func (g *Gate) resolveLocked(id string, res Resolution) error {
	if _, done := g.resolved[id]; done {
		// Idempotent: the first resolution stands.
		return nil
	}
	req, ok := g.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	now := time.Now().UTC()
	req.Status = res.Status
	req.ResolvedAt = &now
	delete(g.pending, id)

	if waiters := g.waiters[id]; len(waiters) > 0 {
		// Delivered directly; nothing to hold onto.
		for _, ch := range waiters {
			ch <- res
		}
		delete(g.waiters, id)
	} else {
		// Held until the owning executor collects it via Await.
		g.resolved[id] = res
	}

	metrics.ApprovalsTotal.WithLabelValues(string(res.Status)).Inc()
	g.logger.Info("Approval resolved",
		"approval_id", id,
		"status", res.Status,
		"decision", res.Decision,
		"resolved_by", res.ResolvedBy)
	return nil
}

// Await blocks until the request is resolved, its deadline expires, or the
// context is cancelled. An already-expired deadline (e.g. after a restart)
// resolves immediately per the timeout policy.
func (g *Gate) Await(ctx context.Context, id string) (Resolution, error) {
	g.mu.Lock()
	if res, done := g.resolved[id]; done {
		delete(g.resolved, id)
		g.mu.Unlock()
		return res, nil
	}
	req, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	// Poll-capable backends may hold an answer delivered while we were down.
	deadline := req.Deadline
	g.mu.Unlock()

	if q, ok := g.notifier.(StatusQuerier); ok {
		if res, found, err := q.Query(ctx, id); err != nil {
			g.logger.Warn("Approval status query failed", "approval_id", id, "error", err)
		} else if found && res.Status.Resolved() {
			g.mu.Lock()
			err := g.resolveLocked(id, g.normalize(*res))
			final := g.resolved[id]
			delete(g.resolved, id)
			g.mu.Unlock()
			if err != nil && !errors.Is(err, ErrUnknownRequest) {
				return Resolution{}, err
			}
			return final, nil
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return g.expire(id, nil)
	}

	ch := make(chan Resolution, 1)
	g.mu.Lock()
	if res, done := g.resolved[id]; done {
		delete(g.resolved, id)
		g.mu.Unlock()
		return res, nil
	}
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return g.expire(id, ch)
	case <-ctx.Done():
		g.dropWaiter(id, ch)
		return Resolution{}, ctx.Err()
	}
}

// expire resolves a request whose deadline passed. Racing with a concurrent
// Resolve is safe: whichever lands first stands. ch is the caller's waiter
// channel, if one was registered; a resolution delivered there as the timer
// fired wins over the timeout.
func (g *Gate) expire(id string, ch chan Resolution) (Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch != nil {
		select {
		case res := <-ch:
			return res, nil
		default:
		}
	}
	if res, done := g.resolved[id]; done {
		delete(g.resolved, id)
		return res, nil
	}
	res := Resolution{
		Status:   StatusTimedOut,
		Decision: g.decisionFor(StatusTimedOut),
	}
	if err := g.resolveLocked(id, res); err != nil {
		return Resolution{}, err
	}
	delete(g.resolved, id)
	return res, nil
}

func (g *Gate) dropWaiter(id string, ch chan Resolution) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waiters := g.waiters[id]
	for i, w := range waiters {
		if w == ch {
			g.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// decisionFor maps a resolution status to the effective decision.
func (g *Gate) decisionFor(status Status) Decision {
	switch status {
	case StatusApproved:
		return DecisionApprove
	case StatusTimedOut:
		if g.config.OnTimeout == TimeoutApprove {
			return DecisionApprove
		}
		return DecisionReject
	default:
		return DecisionReject
	}
}

// normalize fills the decision on externally supplied resolutions.
func (g *Gate) normalize(res Resolution) Resolution {
	if res.Decision == "" {
		res.Decision = g.decisionFor(res.Status)
	}
	return res
}

// PendingCount returns the number of unresolved requests, for introspection.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
