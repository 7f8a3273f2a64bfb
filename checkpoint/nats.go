package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the default KV bucket name for checkpoints.
const Bucket = "PLAN_CHECKPOINTS"

// DefaultRetention mirrors the 24h retention the engine historically used
// for execution state. The latest checkpoint must survive a restart, so
// retention only applies to idle plans.
const DefaultRetention = 24 * time.Hour

// NATSStore persists checkpoints in a JetStream KV bucket. KV revisions
// provide the compare-and-swap: Create for revision 0, Update with the
// last-read revision otherwise.
type NATSStore struct {
	bucket jetstream.KeyValue
}

var _ Store = (*NATSStore)(nil)

// NATSStoreConfig configures the checkpoint bucket.
type NATSStoreConfig struct {
	Bucket    string
	Retention time.Duration
}

// NewNATSStore creates or binds the checkpoint KV bucket.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = Bucket
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "Authoritative plan execution checkpoints",
		TTL:         cfg.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &NATSStore{bucket: bucket}, nil
}

// Get returns the stored checkpoint and its KV revision.
func (s *NATSStore) Get(ctx context.Context, planID string) (*Checkpoint, uint64, error) {
	entry, err := s.bucket.Get(ctx, keyFor(planID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, planID)
		}
		return nil, 0, &PersistenceError{Op: "get", PlanID: planID, Err: err}
	}

	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, 0, &PersistenceError{Op: "decode", PlanID: planID, Err: err}
	}
	cp.Revision = entry.Revision()
	return &cp, entry.Revision(), nil
}

// Put writes the checkpoint with a revision check. Expected 0 creates the
// key; otherwise the KV update must match the last-read revision.
func (s *NATSStore) Put(ctx context.Context, planID string, cp *Checkpoint, expected uint64) (uint64, error) {
	snapshot := cp.Clone()
	// KV revisions are stream-sequence based and only known after the
	// write; the blob carries no revision and Get fills it from the entry.
	snapshot.Revision = 0
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, &PersistenceError{Op: "encode", PlanID: planID, Err: err}
	}

	key := keyFor(planID)
	var revision uint64
	if expected == 0 {
		revision, err = s.bucket.Create(ctx, key, data)
	} else {
		revision, err = s.bucket.Update(ctx, key, data, expected)
	}
	if err != nil {
		if isRevisionConflict(err) {
			return 0, fmt.Errorf("%w: plan %s, write expected %d", ErrRevisionConflict, planID, expected)
		}
		return 0, &PersistenceError{Op: "put", PlanID: planID, Err: err}
	}
	return revision, nil
}

// keyFor maps a plan ID to a KV key. Dots are valid in KV keys but the
// plan. prefix is redundant inside a checkpoint bucket.
func keyFor(planID string) string {
	const prefix = "plan."
	if len(planID) > len(prefix) && planID[:len(prefix)] == prefix {
		return planID[len(prefix):]
	}
	return planID
}

// isRevisionConflict detects both create-on-existing and wrong-revision
// update failures.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
