package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ManagerConfig controls write retry behavior for persistence failures.
// Revision conflicts are never retried: a conflict means another executor
// owns the plan.
type ManagerConfig struct {
	PutAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
}

// DefaultManagerConfig returns sensible write retry defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PutAttempts:       3,
		BackoffBase:       200 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// Manager mediates checkpoint reads and writes for the executor, retrying
// transient persistence failures with exponential backoff.
type Manager struct {
	store  Store
	config ManagerConfig
	logger *slog.Logger
}

// NewManager creates a manager over the given store.
func NewManager(store Store, config ManagerConfig, logger *slog.Logger) *Manager {
	if config.PutAttempts <= 0 {
		config.PutAttempts = DefaultManagerConfig().PutAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultManagerConfig().BackoffBase
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = DefaultManagerConfig().BackoffMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, config: config, logger: logger}
}

// Load returns the authoritative checkpoint and its revision.
func (m *Manager) Load(ctx context.Context, planID string) (*Checkpoint, uint64, error) {
	return m.store.Get(ctx, planID)
}

// Commit writes the checkpoint via compare-and-swap. A revision conflict
// returns immediately so the losing executor yields. Other persistence
// failures are retried with backoff; exhaustion returns the last
// *PersistenceError, blocking advancement past the uncommitted step.
func (m *Manager) Commit(ctx context.Context, cp *Checkpoint, expected uint64) (uint64, error) {
	backoff := m.config.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= m.config.PutAttempts; attempt++ {
		revision, err := m.store.Put(ctx, cp.PlanID, cp, expected)
		if err == nil {
			return revision, nil
		}
		if errors.Is(err, ErrRevisionConflict) {
			return 0, err
		}
		lastErr = err

		if attempt == m.config.PutAttempts {
			break
		}
		m.logger.Warn("Checkpoint write failed, retrying",
			"plan_id", cp.PlanID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * m.config.BackoffMultiplier)
	}

	return 0, lastErr
}
