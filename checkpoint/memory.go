package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in memory with optimistic revision checks.
// It backs tests and single-process runs without a NATS server.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	cp       *Checkpoint
	revision uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get returns the stored checkpoint and its revision.
func (s *MemoryStore) Get(_ context.Context, planID string) (*Checkpoint, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[planID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	return entry.cp.Clone(), entry.revision, nil
}

// Put replaces the checkpoint iff the stored revision equals expected.
// Expected 0 creates; any mismatch is ErrRevisionConflict.
func (s *MemoryStore) Put(_ context.Context, planID string, cp *Checkpoint, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[planID]
	switch {
	case !exists:
		if expected != 0 {
			return 0, fmt.Errorf("%w: plan %s expected revision %d on create",
				ErrRevisionConflict, planID, expected)
		}
	case entry.revision != expected:
		return 0, fmt.Errorf("%w: plan %s at revision %d, write expected %d",
			ErrRevisionConflict, planID, entry.revision, expected)
	}

	next := cp.Clone()
	revision := expected + 1
	next.Revision = revision
	s.entries[planID] = memoryEntry{cp: next, revision: revision}
	return revision, nil
}
