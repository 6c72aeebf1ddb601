package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/executor"
	"github.com/r3e-network/workflow-engine/internal/engine/ledger"
	"github.com/r3e-network/workflow-engine/internal/engine/lifecycle"
	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
)

type stubLLM struct{}

func (stubLLM) Call(ctx context.Context, req executor.LLMRequest) (executor.LLMResponse, error) {
	return executor.LLMResponse{Text: `{"response":"hello"}`, Usage: executor.LLMUsage{Total: 3}}, nil
}

func linearGraph() domain.Graph {
	return domain.Graph{
		EntryNodeID: "a",
		Nodes: []domain.Node{
			{ID: "a", Type: domain.NodeLLMReason},
			{ID: "b", Type: domain.NodeFinalize, DependsOn: []string{"a"}},
		},
		Edges: []domain.Edge{{From: "a", To: "b", Type: domain.EdgeSuccess}},
	}
}

// TestTick_LinearSuccess drives scenario S1 of the spec's testable
// properties: a two-node llm_reason -> finalize graph runs to completion
// across successive ticks, with the dependent node only ever claimed
// after its dependency has succeeded.
func TestTick_LinearSuccess(t *testing.T) {
	store := memstore.NewStore()
	led := ledger.New(store.Runs, nil)
	exec := executor.New(store.Tools, nil, nil, led, store.Runs, stubLLM{}, nil)
	lc := lifecycle.New(store.Runs, store.Steps, store.Events, nil)
	sched := New(store.Runs, store.Steps, store.Events, exec, lc, nil)

	ctx := context.Background()
	run := domain.Run{
		ID:          "run-1",
		WorkspaceID: "ws-1",
		Status:      domain.RunRunning,
		Graph:       linearGraph(),
		Budget:      domain.Budget{Asset: "USDC", MaxAtomic: "1000000"},
	}
	if err := store.Runs.PutRun(ctx, run); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := lc.Materialize(ctx, run); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	for i := 0; i < 5; i++ {
		counts := sched.Tick(ctx, 10, 1, Scope{RunID: "run-1"})
		if counts.Claimed == 0 {
			break
		}
	}

	a, err := store.Steps.GetStep(ctx, "run-1", "a")
	if err != nil {
		t.Fatalf("get step a: %v", err)
	}
	b, err := store.Steps.GetStep(ctx, "run-1", "b")
	if err != nil {
		t.Fatalf("get step b: %v", err)
	}
	if a.Status != domain.StepSucceeded {
		t.Errorf("expected step a succeeded, got %s", a.Status)
	}
	if b.Status != domain.StepSucceeded {
		t.Errorf("expected step b succeeded, got %s", b.Status)
	}

	after, err := store.Runs.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if after.Status != domain.RunSucceeded {
		t.Fatalf("expected run succeeded, got %s", after.Status)
	}

	events, err := store.Events.EventsSince(ctx, "run-1", run.CreatedAt.Add(-time.Second))
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	var sawStepSucceededA, sawStepSucceededB, sawRunSucceeded bool
	for _, e := range events {
		switch e.Type {
		case domain.EventStepSucceeded:
			if id, _ := e.Data["stepId"].(string); id == "a" {
				sawStepSucceededA = true
			} else if id == "b" {
				sawStepSucceededB = true
			}
		case domain.EventRunSucceeded:
			sawRunSucceeded = true
		}
	}
	if !sawStepSucceededA || !sawStepSucceededB || !sawRunSucceeded {
		t.Fatalf("expected STEP_SUCCEEDED(a), STEP_SUCCEEDED(b) and RUN_SUCCEEDED events, got %+v", events)
	}
}

// TestTick_StalledWorkerReclaim exercises scenario S6: a step stuck in
// running past the stall threshold is reset to queued and reclaimed by the
// next tick, and its attempt counter increments exactly once more.
func TestTick_StalledWorkerReclaim(t *testing.T) {
	store := memstore.NewStore()
	led := ledger.New(store.Runs, nil)
	exec := executor.New(store.Tools, nil, nil, led, store.Runs, stubLLM{}, nil)
	lc := lifecycle.New(store.Runs, store.Steps, store.Events, nil)
	sched := New(store.Runs, store.Steps, store.Events, exec, lc, nil)

	base := time.Now()
	sched.Clock = func() time.Time { return base.Add(10 * time.Minute) }

	ctx := context.Background()
	g := domain.Graph{EntryNodeID: "a", Nodes: []domain.Node{{ID: "a", Type: domain.NodeFinalize}}}
	run := domain.Run{ID: "run-1", WorkspaceID: "ws-1", Status: domain.RunRunning, Graph: g}
	if err := store.Runs.PutRun(ctx, run); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := store.Steps.PutStep(ctx, domain.Step{
		RunID: "run-1", WorkspaceID: "ws-1", StepID: "a", NodeType: domain.NodeFinalize,
		Status: domain.StepRunning, Attempt: 1,
		LockedBy: &domain.StepLock{WorkerID: "dead-worker", LockedAt: base},
	}); err != nil {
		t.Fatalf("put step: %v", err)
	}

	counts := sched.Tick(ctx, 10, 1, Scope{RunID: "run-1"})
	if counts.Claimed != 1 {
		t.Fatalf("expected the reclaimed step to be claimed this tick, got %+v", counts)
	}

	after, err := store.Steps.GetStep(ctx, "run-1", "a")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if after.Attempt != 2 {
		t.Fatalf("expected attempt counter incremented once on reclaim, got %d", after.Attempt)
	}
	if after.Status != domain.StepSucceeded {
		t.Fatalf("expected reclaimed step to execute and succeed, got %s", after.Status)
	}
}
