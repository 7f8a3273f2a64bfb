package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/stepflow/plan"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp := NewCheckpoint(twoStepPlan(t))

	rev, err := store.Put(ctx, cp.PlanID, cp, 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if rev != 1 {
		t.Errorf("expected revision 1 on create, got %d", rev)
	}

	got, gotRev, err := store.Get(ctx, cp.PlanID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotRev != 1 {
		t.Errorf("expected revision 1, got %d", gotRev)
	}
	if got.PlanID != cp.PlanID {
		t.Errorf("expected plan ID %s, got %s", cp.PlanID, got.PlanID)
	}
	if got.Revision != 1 {
		t.Errorf("expected stored revision 1, got %d", got.Revision)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, _, err := store.Get(context.Background(), "plan.ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp := NewCheckpoint(twoStepPlan(t))

	// Create with a stale expectation fails
	if _, err := store.Put(ctx, cp.PlanID, cp, 5); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict on create with nonzero expected, got %v", err)
	}

	rev1, err := store.Put(ctx, cp.PlanID, cp, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Creating again (expected 0) conflicts: the plan already has an owner
	if _, err := store.Put(ctx, cp.PlanID, cp, 0); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict on duplicate create, got %v", err)
	}

	// Update at the current revision succeeds and bumps it
	cp.CommittedStep = 1
	rev2, err := store.Put(ctx, cp.PlanID, cp, rev1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rev2 != rev1+1 {
		t.Errorf("expected revision %d, got %d", rev1+1, rev2)
	}

	// The superseded revision can no longer write
	if _, err := store.Put(ctx, cp.PlanID, cp, rev1); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("expected ErrRevisionConflict on stale write, got %v", err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp := NewCheckpoint(twoStepPlan(t))
	cp.Results = append(cp.Results, plan.ExecutionResult{StepID: "s1", Success: true})

	rev, _ := store.Put(ctx, cp.PlanID, cp, 0)

	// Mutating the caller's copy after Put must not alter the stored one
	cp.Results[0].StepID = "changed"

	got, _, err := store.Get(ctx, cp.PlanID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Results[0].StepID != "s1" {
		t.Error("stored checkpoint shares memory with the caller")
	}

	// Mutating a Get result must not alter the store either
	got.Results[0].StepID = "also-changed"
	again, _, _ := store.Get(ctx, cp.PlanID)
	if again.Results[0].StepID != "s1" {
		t.Error("Get() returned a shared checkpoint")
	}

	_ = rev
}
