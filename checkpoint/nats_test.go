package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stepflow/plan"
)

// fakeKV stands in for a JetStream bucket. Revisions are stream
// sequences, so in a shared bucket a key's revision can run far ahead
// of its own write count.
type fakeKV struct {
	jetstream.KeyValue
	data map[string][]byte
	revs map[string]uint64
	seq  uint64
}

func newFakeKV(seq uint64) *fakeKV {
	return &fakeKV{data: map[string][]byte{}, revs: map[string]uint64{}, seq: seq}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: value, revision: f.revs[key]}, nil
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if _, exists := f.data[key]; exists {
		return 0, jetstream.ErrKeyExists
	}
	return f.write(key, value), nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if f.revs[key] != revision {
		return 0, &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}
	}
	return f.write(key, value), nil
}

func (f *fakeKV) write(key string, value []byte) uint64 {
	f.seq++
	f.data[key] = append([]byte(nil), value...)
	f.revs[key] = f.seq
	return f.seq
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value    []byte
	revision uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.revision }

func testCheckpoint(planID string) *Checkpoint {
	return &Checkpoint{
		PlanID:       planID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusPending},
		Results:      []plan.ExecutionResult{},
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestNATSStoreRevisionFromEntry(t *testing.T) {
	// The bucket's stream already advanced past 41 for other keys.
	kv := newFakeKV(41)
	store := &NATSStore{bucket: kv}
	ctx := context.Background()

	rev, err := store.Put(ctx, "plan.shared", testCheckpoint("plan.shared"), 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if rev != 42 {
		t.Fatalf("expected KV revision 42, got %d", rev)
	}

	// The blob never claims a revision; the KV entry owns it.
	var stored Checkpoint
	if err := json.Unmarshal(kv.data["shared"], &stored); err != nil {
		t.Fatalf("decode stored blob: %v", err)
	}
	if stored.Revision != 0 {
		t.Errorf("persisted form carries revision %d, want none", stored.Revision)
	}

	got, gotRev, err := store.Get(ctx, "plan.shared")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotRev != 42 || got.Revision != 42 {
		t.Errorf("Get() = revision %d, checkpoint revision %d, want 42/42", gotRev, got.Revision)
	}

	// Interleaved writes to other keys skip sequence numbers.
	kv.seq += 7
	rev2, err := store.Put(ctx, "plan.shared", got, rev)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if rev2 != 50 {
		t.Errorf("expected KV revision 50 after sequence gap, got %d", rev2)
	}
	got, gotRev, err = store.Get(ctx, "plan.shared")
	if err != nil {
		t.Fatalf("Get() after update error = %v", err)
	}
	if gotRev != 50 || got.Revision != 50 {
		t.Errorf("reload = revision %d, checkpoint revision %d, want 50/50", gotRev, got.Revision)
	}
}

func TestNATSStoreConflicts(t *testing.T) {
	kv := newFakeKV(0)
	store := &NATSStore{bucket: kv}
	ctx := context.Background()

	if _, err := store.Put(ctx, "plan.cas", testCheckpoint("plan.cas"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Create on an existing key loses the race
	if _, err := store.Put(ctx, "plan.cas", testCheckpoint("plan.cas"), 0); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict on create, got %v", err)
	}
	// Update against a stale revision loses too
	if _, err := store.Put(ctx, "plan.cas", testCheckpoint("plan.cas"), 99); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict on stale update, got %v", err)
	}
}

func TestNATSStoreMissingKey(t *testing.T) {
	store := &NATSStore{bucket: newFakeKV(0)}
	if _, _, err := store.Get(context.Background(), "plan.absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
