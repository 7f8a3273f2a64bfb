package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/stepflow/approval"
	"github.com/c360studio/stepflow/checkpoint"
	"github.com/c360studio/stepflow/plan"
	"github.com/c360studio/stepflow/registry"
	"github.com/c360studio/stepflow/trace"
)

// querierTool records invocations and answers outcome queries from a
// canned response, standing in for a tool with re-queryable side effects.
type querierTool struct {
	countingTool
	outcome   map[string]any
	completed bool
	queryErr  error
}

func (q *querierTool) QueryOutcome(context.Context, string, string) (map[string]any, bool, error) {
	return q.outcome, q.completed, q.queryErr
}

func seedCheckpoint(t *testing.T, h *harness, cp *checkpoint.Checkpoint) {
	t.Helper()
	if _, err := h.store.Put(context.Background(), cp.PlanID, cp, 0); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
}

func TestResumeSkipsCommittedSteps(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	first := echoTool("first")
	second := echoTool("second")
	h.register(t, first, nil)
	h.register(t, second, nil)

	p := buildPlan(t, "resume-partial",
		&plan.Step{ID: "s1", Tool: "first", Input: map[string]any{"message": "one"}},
		&plan.Step{ID: "s2", Tool: "second", Input: map[string]any{"message": "two"}},
	)

	now := time.Now().UTC()
	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:        p.ID,
		CommittedStep: 1,
		PlanStatus:    plan.StatusRunning,
		StepStatuses:  []plan.StepStatus{plan.StepStatusSucceeded, plan.StepStatusPending},
		Results: []plan.ExecutionResult{{
			StepID: "s1", Tool: "first", Attempt: 1, Success: true,
			Output: map[string]any{"message": "one"}, StartedAt: now, CompletedAt: now,
		}},
		UpdatedAt: now,
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Status != plan.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", out.Status)
	}
	if first.calls.Load() != 0 {
		t.Error("committed step must not re-execute on resume")
	}
	if second.calls.Load() != 1 {
		t.Errorf("remaining step should run once, ran %d times", second.calls.Load())
	}
	if len(out.Results) != 2 {
		t.Errorf("expected prior + new result, got %d", len(out.Results))
	}
}

func TestResumeTerminalShortCircuits(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	tool := echoTool("echo")
	h.register(t, tool, nil)

	p := buildPlan(t, "resume-done", &plan.Step{ID: "s1", Tool: "echo"})

	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:        p.ID,
		CommittedStep: 1,
		PlanStatus:    plan.StatusSucceeded,
		StepStatuses:  []plan.StepStatus{plan.StepStatusSucceeded},
		UpdatedAt:     time.Now().UTC(),
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Status != plan.StatusSucceeded {
		t.Fatalf("expected recorded outcome, got %s", out.Status)
	}
	if tool.calls.Load() != 0 {
		t.Error("a terminal plan must not execute anything on resume")
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	h.register(t, echoTool("echo"), nil)

	p := buildPlan(t, "resume-missing", &plan.Step{ID: "s1", Tool: "echo"})
	if _, err := h.exec.Resume(context.Background(), p); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResumeStepCountMismatch(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	h.register(t, echoTool("echo"), nil)

	p := buildPlan(t, "resume-drift",
		&plan.Step{ID: "s1", Tool: "echo"},
		&plan.Step{ID: "s2", Tool: "echo"},
	)

	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:       p.ID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusSucceeded},
		UpdatedAt:    time.Now().UTC(),
	})

	if _, err := h.exec.Resume(context.Background(), p); err == nil {
		t.Error("a checkpoint disagreeing with the plan shape must be rejected")
	}
}

func TestResumeInFlightCompleted(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	journal := &querierTool{
		countingTool: countingTool{name: "journal", fn: func(input map[string]any) (map[string]any, error) {
			return map[string]any{"message": "fresh"}, nil
		}},
		outcome:   map[string]any{"message": "already done"},
		completed: true,
	}
	h.register(t, journal, messageContract())
	after := echoTool("after")
	h.register(t, after, nil)

	p := buildPlan(t, "resume-inflight",
		&plan.Step{ID: "s1", Tool: "journal", Input: map[string]any{"message": "x"}},
		&plan.Step{ID: "s2", Tool: "after", Input: map[string]any{"message": "y"}},
	)

	now := time.Now().UTC()
	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:       p.ID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusRunning, plan.StepStatusPending},
		Running:      &checkpoint.InFlight{StepID: "s1", Tool: "journal", Attempt: 1, StartedAt: now},
		UpdatedAt:    now,
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Status != plan.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", out.Status)
	}
	// The completed side effect is adopted, never re-executed
	if journal.calls.Load() != 0 {
		t.Errorf("in-flight step re-executed %d times despite a recorded outcome", journal.calls.Load())
	}
	adopted := out.Results[0]
	if !adopted.Success || adopted.Output["message"] != "already done" || adopted.Attempt != 1 {
		t.Errorf("unexpected adopted result: %+v", adopted)
	}
	if after.calls.Load() != 1 {
		t.Errorf("subsequent step should run once, ran %d times", after.calls.Load())
	}

	// The adopted step appears in the span tree alongside the executed one
	planSpans := h.recorder.Named(p.ID, trace.SpanPlan)
	if len(planSpans) != 1 {
		t.Fatalf("expected 1 plan span, got %d", len(planSpans))
	}
	stepSpans := h.recorder.Named(p.ID, trace.SpanStep)
	if len(stepSpans) != 2 {
		t.Fatalf("expected spans for the adopted and the executed step, got %d", len(stepSpans))
	}
	if stepSpans[0].StepID != "s1" || stepSpans[0].ParentID != planSpans[0].SpanID {
		t.Errorf("adopted step span not in the plan's causal tree: %+v", stepSpans[0])
	}
}

func TestResumeInFlightViolatingOutcome(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	journal := &querierTool{
		countingTool: countingTool{name: "journal", fn: func(map[string]any) (map[string]any, error) {
			return map[string]any{"message": "fresh"}, nil
		}},
		outcome:   map[string]any{"wrong": "shape"},
		completed: true,
	}
	h.register(t, journal, messageContract())

	p := buildPlan(t, "resume-violating",
		&plan.Step{ID: "s1", Tool: "journal", Input: map[string]any{"message": "x"}},
	)

	now := time.Now().UTC()
	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:       p.ID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusRunning},
		Running:      &checkpoint.InFlight{StepID: "s1", Tool: "journal", Attempt: 1, StartedAt: now},
		UpdatedAt:    now,
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	// The side effect happened; re-running it would duplicate it. The
	// contract violation stands as the step's outcome.
	if out.Status != plan.StatusFailed {
		t.Fatalf("expected failed, got %s", out.Status)
	}
	if journal.calls.Load() != 0 {
		t.Error("a completed violating outcome must not trigger a re-run")
	}
	if out.Results[0].ErrorKind != plan.ErrorKindContractViolation {
		t.Errorf("expected contract_violation, got %s", out.Results[0].ErrorKind)
	}

	// Even a failing adopted outcome is visible in the causal timeline
	stepSpans := h.recorder.Named(p.ID, trace.SpanStep)
	if len(stepSpans) != 1 {
		t.Fatalf("expected 1 step span for the adopted outcome, got %d", len(stepSpans))
	}
	if stepSpans[0].Metadata["status"] != string(plan.StepStatusFailed) {
		t.Errorf("unexpected adopted span metadata: %+v", stepSpans[0].Metadata)
	}
	if len(h.recorder.Named(p.ID, trace.SpanPlan)) != 1 {
		t.Error("expected the root plan span to close over the recovered outcome")
	}
}

func TestResumeInFlightNoRecordedOutcome(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	journal := &querierTool{
		countingTool: countingTool{name: "journal", fn: func(input map[string]any) (map[string]any, error) {
			return map[string]any{"message": "re-run"}, nil
		}},
		completed: false,
	}
	h.register(t, journal, messageContract())

	p := buildPlan(t, "resume-rerun",
		&plan.Step{ID: "s1", Tool: "journal", Input: map[string]any{"message": "x"}},
	)

	now := time.Now().UTC()
	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:       p.ID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusRunning},
		Running:      &checkpoint.InFlight{StepID: "s1", Tool: "journal", Attempt: 1, StartedAt: now},
		UpdatedAt:    now,
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.Status != plan.StatusSucceeded {
		t.Fatalf("expected succeeded after re-run, got %s", out.Status)
	}
	if journal.calls.Load() != 1 {
		t.Errorf("interrupted attempt should re-execute once, ran %d times", journal.calls.Load())
	}
	// The re-run reuses the interrupted attempt number
	res := out.Results[0]
	if res.Attempt != 1 || res.Output["message"] != "re-run" {
		t.Errorf("unexpected re-run result: %+v", res)
	}
}

func TestResumePendingApprovalKeepsDeadline(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	h.notifier.status = "" // nobody answers; the stored deadline decides
	tool := echoTool("echo")
	h.register(t, tool, nil)

	p := buildPlan(t, "resume-approval",
		&plan.Step{ID: "s1", Tool: "echo", ApprovalRequired: true},
	)

	now := time.Now().UTC()
	seedCheckpoint(t, h, &checkpoint.Checkpoint{
		PlanID:       p.ID,
		PlanStatus:   plan.StatusAwaitingApproval,
		StepStatuses: []plan.StepStatus{plan.StepStatusAwaitingApproval},
		Approval: &checkpoint.PendingApproval{
			ID:        "apr-restored",
			StepID:    "s1",
			Reason:    "step flagged for approval",
			Attempt:   1,
			Deadline:  now.Add(-time.Minute),
			CreatedAt: now.Add(-2 * time.Hour),
		},
		UpdatedAt: now,
	})

	out, err := h.exec.Resume(context.Background(), p)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	// The deadline expired while the process was down; the restart must
	// not grant a fresh window.
	if out.Status != plan.StatusFailed {
		t.Fatalf("expected failed on expired approval, got %s", out.Status)
	}
	if out.Results[0].ErrorKind != plan.ErrorKindApprovalTimeout {
		t.Errorf("expected approval_timeout, got %s", out.Results[0].ErrorKind)
	}
	if tool.calls.Load() != 0 {
		t.Error("an unapproved step must never run")
	}
	// No new notification goes out for a restored request
	if h.notifier.sent.Load() != 0 {
		t.Errorf("expected no re-notification, got %d", h.notifier.sent.Load())
	}
}

// rendezvousStore releases checkpoint reads only once two racing
// resumers have both loaded the same revision, so their first writes
// are guaranteed to collide.
type rendezvousStore struct {
	*checkpoint.MemoryStore
	arrivals atomic.Int32
	release  chan struct{}
}

func (s *rendezvousStore) Get(ctx context.Context, planID string) (*checkpoint.Checkpoint, uint64, error) {
	cp, rev, err := s.MemoryStore.Get(ctx, planID)
	if err != nil {
		return nil, 0, err
	}
	if s.arrivals.Add(1) == 2 {
		close(s.release)
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return cp, rev, nil
}

func TestResumeConcurrentSingleWriter(t *testing.T) {
	store := &rendezvousStore{MemoryStore: checkpoint.NewMemoryStore(), release: make(chan struct{})}
	mgr := checkpoint.NewManager(store, checkpoint.ManagerConfig{PutAttempts: 2, BackoffBase: time.Millisecond}, testLogger())
	notifier := &autoNotifier{status: approval.StatusApproved}
	gate := approval.NewGate(notifier, approval.GateConfig{Window: time.Hour, OnTimeout: approval.TimeoutReject}, testLogger())
	notifier.gate = gate

	reg := registry.New()
	tool := echoTool("echo")
	if err := reg.Register(tool, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	exec, err := New(reg, gate, mgr, trace.NewDispatcher(trace.NewRecorder(), testLogger()), Config{Retry: fastRetry()}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Each resumer gets its own plan value of the same identity.
	candidates := []*plan.Plan{
		buildPlan(t, "contended", &plan.Step{ID: "s1", Tool: "echo", Input: map[string]any{"message": "hi"}}),
		buildPlan(t, "contended", &plan.Step{ID: "s1", Tool: "echo", Input: map[string]any{"message": "hi"}}),
	}

	now := time.Now().UTC()
	if _, err := store.MemoryStore.Put(context.Background(), candidates[0].ID, &checkpoint.Checkpoint{
		PlanID:       candidates[0].ID,
		PlanStatus:   plan.StatusRunning,
		StepStatuses: []plan.StepStatus{plan.StepStatusPending},
		UpdatedAt:    now,
	}, 0); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	var successes, conflicts atomic.Int32
	var wg sync.WaitGroup
	for _, candidate := range candidates {
		wg.Add(1)
		go func(c *plan.Plan) {
			defer wg.Done()
			out, err := exec.Resume(context.Background(), c)
			switch {
			case err == nil && out.Status == plan.StatusSucceeded:
				successes.Add(1)
			case errors.Is(err, ErrConcurrentExecution):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected resume result: out=%+v err=%v", out, err)
			}
		}(candidate)
	}
	wg.Wait()

	if successes.Load() != 1 || conflicts.Load() != 1 {
		t.Errorf("expected exactly one winner and one conflict, got %d successes, %d conflicts",
			successes.Load(), conflicts.Load())
	}
	if tool.calls.Load() != 1 {
		t.Errorf("the step must execute exactly once, ran %d times", tool.calls.Load())
	}
}

func TestExecuteConflictsWithExistingCheckpoint(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})
	h.register(t, echoTool("echo"), nil)

	p := buildPlan(t, "single-writer", &plan.Step{ID: "s1", Tool: "echo", Input: map[string]any{"message": "hi"}})

	if _, err := h.exec.Execute(context.Background(), p); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	// A second fresh execution of the same plan loses the create race
	if _, err := h.exec.Execute(context.Background(), p); !errors.Is(err, ErrConcurrentExecution) {
		t.Errorf("expected ErrConcurrentExecution, got %v", err)
	}
}

func TestResumeYieldsOnStaleRevision(t *testing.T) {
	h := newHarness(t, Config{}, approval.GateConfig{})

	// The tool advances the checkpoint out from under the executor,
	// simulating a second instance winning the race mid-run.
	hijack := &countingTool{name: "hijack"}
	h.register(t, hijack, nil)

	p := buildPlan(t, "stale-writer", &plan.Step{ID: "s1", Tool: "hijack"})
	hijack.fn = func(map[string]any) (map[string]any, error) {
		cp, rev, err := h.store.Get(context.Background(), p.ID)
		if err != nil {
			return nil, err
		}
		if _, err := h.store.Put(context.Background(), p.ID, cp, rev); err != nil {
			return nil, err
		}
		return map[string]any{"message": "ok"}, nil
	}

	if _, err := h.exec.Execute(context.Background(), p); !errors.Is(err, ErrConcurrentExecution) {
		t.Errorf("expected ErrConcurrentExecution on stale commit, got %v", err)
	}
}
