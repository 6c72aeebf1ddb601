package ledger

import (
	"context"
	"testing"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
)

func seedRun(t *testing.T, store storage.Store, maxAtomic, spentAtomic string) {
	t.Helper()
	run := domain.Run{
		ID:          "run-1",
		WorkspaceID: "ws-1",
		Status:      domain.RunRunning,
		Budget:      domain.Budget{Asset: "USDC", MaxAtomic: maxAtomic, SpentAtomic: spentAtomic},
	}
	if err := store.Runs.PutRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
}

func TestCheckAndDeduct_AllowsWithinBudget(t *testing.T) {
	store := memstore.NewStore()
	seedRun(t, store, "1000000", "0")

	l := New(store.Runs, nil)
	result, err := l.CheckAndDeduct(context.Background(), "run-1", "500000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected deduction to be allowed, got reason %q", result.Reason)
	}
	if result.Run.Budget.SpentAtomic != "500000" {
		t.Errorf("expected spentAtomic=500000, got %s", result.Run.Budget.SpentAtomic)
	}
}

func TestCheckAndDeduct_RejectsOverBudget(t *testing.T) {
	store := memstore.NewStore()
	seedRun(t, store, "1000000", "900000")

	l := New(store.Runs, nil)
	result, err := l.CheckAndDeduct(context.Background(), "run-1", "200000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected deduction to be rejected")
	}
	if result.Reason != "budget" {
		t.Errorf("expected reason=budget, got %q", result.Reason)
	}

	after, err := store.Runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if after.Budget.SpentAtomic != "900000" {
		t.Errorf("spentAtomic must not change on rejection, got %s", after.Budget.SpentAtomic)
	}
}

func TestCheckAndDeduct_MonotonicAcrossMultipleCalls(t *testing.T) {
	store := memstore.NewStore()
	seedRun(t, store, "1000000", "0")
	l := New(store.Runs, nil)

	amounts := []string{"100000", "200000", "300000"}
	for _, amt := range amounts {
		if _, err := l.CheckAndDeduct(context.Background(), "run-1", amt); err != nil {
			t.Fatalf("deduct %s: %v", amt, err)
		}
	}

	final, err := store.Runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Budget.SpentAtomic != "600000" {
		t.Errorf("expected cumulative spend 600000, got %s", final.Budget.SpentAtomic)
	}
}

func TestCheckAutoPayPolicy_OrderedRejections(t *testing.T) {
	l := New(nil, nil)

	disabled := domain.Run{AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: false}}
	result, err := l.CheckAutoPayPolicy(context.Background(), disabled, "1000")
	if err != nil || result.Allowed || result.Reason != "disabled" {
		t.Fatalf("expected disabled rejection, got %+v err=%v", result, err)
	}

	perStep := domain.Run{
		AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: true, AutoPayMaxPerStepAtomic: "1000"},
		Budget:        domain.Budget{MaxAtomic: "1000000", SpentAtomic: "0"},
	}
	result, err = l.CheckAutoPayPolicy(context.Background(), perStep, "5000")
	if err != nil || result.Allowed || result.Reason != "per-step" {
		t.Fatalf("expected per-step rejection, got %+v err=%v", result, err)
	}

	perRun := domain.Run{
		AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: true, AutoPayMaxPerRunAtomic: "1000"},
		Budget:        domain.Budget{MaxAtomic: "1000000", SpentAtomic: "900"},
	}
	result, err = l.CheckAutoPayPolicy(context.Background(), perRun, "500")
	if err != nil || result.Allowed || result.Reason != "per-run" {
		t.Fatalf("expected per-run rejection, got %+v err=%v", result, err)
	}

	budgetRejected := domain.Run{
		AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: true},
		Budget:        domain.Budget{MaxAtomic: "1000", SpentAtomic: "900"},
	}
	result, err = l.CheckAutoPayPolicy(context.Background(), budgetRejected, "500")
	if err != nil || result.Allowed || result.Reason != "budget" {
		t.Fatalf("expected budget rejection, got %+v err=%v", result, err)
	}

	allowed := domain.Run{
		AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: true, AutoPayMaxPerStepAtomic: "1000000", AutoPayMaxPerRunAtomic: "1000000"},
		Budget:        domain.Budget{MaxAtomic: "1000000", SpentAtomic: "0"},
	}
	result, err = l.CheckAutoPayPolicy(context.Background(), allowed, "500")
	if err != nil || !result.Allowed {
		t.Fatalf("expected allowed, got %+v err=%v", result, err)
	}
}

func TestUpdateReputation_SeedsThenBlends(t *testing.T) {
	rep := domain.ToolReputation{}
	rep = UpdateReputation(rep, true, 100)
	if rep.SuccessRate != 1.0 || rep.AvgLatencyMs != 100 {
		t.Fatalf("expected seeded reputation, got %+v", rep)
	}
	rep = UpdateReputation(rep, false, 200)
	if rep.SuccessRate != 0.9 {
		t.Errorf("expected EMA blend to 0.9, got %v", rep.SuccessRate)
	}
	if rep.AvgLatencyMs != 110 {
		t.Errorf("expected latency EMA 110, got %v", rep.AvgLatencyMs)
	}
}
