package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/ledger"
	"github.com/r3e-network/workflow-engine/internal/engine/payment"
	memstore "github.com/r3e-network/workflow-engine/internal/engine/storage/memory"
)

// TestExecuteToolCall_NoPaymentSucceeds drives the plain-fetch path: auto-pay
// disallowed, the tool responds 200, and the JSON body becomes Outputs.
func TestExecuteToolCall_NoPaymentSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"hi"}`))
	}))
	defer srv.Close()

	store := memstore.NewStore()
	tool := domain.Tool{ID: "tool-1", BaseURL: srv.URL}
	if err := store.Tools.PutTool(context.Background(), tool); err != nil {
		t.Fatalf("put tool: %v", err)
	}

	handshake := payment.New(nil, nil, store.Events, store.Receipts, nil, nil)
	led := ledger.New(store.Runs, nil)
	ex := New(store.Tools, handshake, nil, led, store.Runs, nil, nil)

	run := domain.Run{ID: "run-1", AutoPayPolicy: domain.AutoPayPolicy{AutoPayEnabled: false}}
	node := domain.Node{ID: "a", Type: domain.NodeToolCall, ToolID: "tool-1", Endpoint: domain.ToolEndpoint{Method: http.MethodGet, Path: "/"}}
	step := domain.Step{RunID: "run-1", StepID: "a", NodeType: domain.NodeToolCall}

	result := ex.Execute(context.Background(), run, node, step, "worker-1")
	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", result.Status, result.Error)
	}
	if result.Outputs["echo"] != "hi" {
		t.Errorf("expected outputs to carry the upstream JSON body, got %+v", result.Outputs)
	}
}

// TestExecuteToolCall_PaymentRequiredWithoutAutoPayFails covers the
// plain-fetch path hitting a 402 when the node/workspace disallows payment.
func TestExecuteToolCall_PaymentRequiredWithoutAutoPayFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	store := memstore.NewStore()
	tool := domain.Tool{ID: "tool-1", BaseURL: srv.URL}
	if err := store.Tools.PutTool(context.Background(), tool); err != nil {
		t.Fatalf("put tool: %v", err)
	}

	handshake := payment.New(nil, nil, store.Events, store.Receipts, nil, nil)
	ex := New(store.Tools, handshake, nil, ledger.New(store.Runs, nil), store.Runs, nil, nil)

	run := domain.Run{ID: "run-1"}
	node := domain.Node{ID: "a", Type: domain.NodeToolCall, ToolID: "tool-1", Endpoint: domain.ToolEndpoint{Method: http.MethodGet}}
	step := domain.Step{RunID: "run-1", StepID: "a", NodeType: domain.NodeToolCall}

	result := ex.Execute(context.Background(), run, node, step, "worker-1")
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Code != "PAYMENT_REJECTED" {
		t.Fatalf("expected PAYMENT_REJECTED, got %+v", result.Error)
	}
}

// TestExecuteBranch_TakesTrueBranch confirms the goja condition evaluates
// against step inputs and resolves onTrue.
func TestExecuteBranch_TakesTrueBranch(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	node := domain.Node{
		ID:        "branch",
		Type:      domain.NodeBranch,
		Condition: "input.score > 50",
		OnTrue:    "high",
		OnFalse:   "low",
	}
	step := domain.Step{Inputs: map[string]any{"score": 75}}

	result := ex.Execute(context.Background(), domain.Run{}, node, step, "worker-1")
	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", result.Status, result.Error)
	}
	if result.Outputs["branchTaken"] != "high" {
		t.Errorf("expected branchTaken=high, got %+v", result.Outputs)
	}
}

// TestExecuteBranch_TakesFalseBranch mirrors the above for the negative case.
func TestExecuteBranch_TakesFalseBranch(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	node := domain.Node{
		ID:        "branch",
		Type:      domain.NodeBranch,
		Condition: "input.score > 50",
		OnTrue:    "high",
		OnFalse:   "low",
	}
	step := domain.Step{Inputs: map[string]any{"score": 10}}

	result := ex.Execute(context.Background(), domain.Run{}, node, step, "worker-1")
	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", result.Status, result.Error)
	}
	if result.Outputs["branchTaken"] != "low" {
		t.Errorf("expected branchTaken=low, got %+v", result.Outputs)
	}
}

// TestExecuteApproval_AlwaysBlocks matches spec §4.6: approval nodes never
// resolve themselves; an external actor must act on the run.
func TestExecuteApproval_AlwaysBlocks(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	node := domain.Node{ID: "a", Type: domain.NodeApproval}
	result := ex.Execute(context.Background(), domain.Run{}, node, domain.Step{}, "worker-1")
	if result.Status != StatusBlocked {
		t.Fatalf("expected blocked, got %s", result.Status)
	}
	if result.Error == nil || result.Error.Code != "AWAITING_APPROVAL" {
		t.Fatalf("expected AWAITING_APPROVAL, got %+v", result.Error)
	}
}

// TestExecute_UnknownNodeTypeFails guards the default dispatch branch.
func TestExecute_UnknownNodeTypeFails(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	node := domain.Node{ID: "a", Type: domain.NodeType("bogus")}
	result := ex.Execute(context.Background(), domain.Run{}, node, domain.Step{}, "worker-1")
	if result.Status != StatusFailed || result.Error == nil || result.Error.Code != "UNKNOWN_NODE_TYPE" {
		t.Fatalf("expected UNKNOWN_NODE_TYPE failure, got %+v", result)
	}
}

// TestExecute_RecoversPanic confirms a panicking handler still returns a
// normalized Result instead of propagating (spec §4.6's no-escape policy).
// executeLLMReason panics when ex.LLM is nil, which this test exploits.
func TestExecute_RecoversPanic(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	node := domain.Node{ID: "a", Type: domain.NodeLLMReason}
	result := ex.Execute(context.Background(), domain.Run{}, node, domain.Step{}, "worker-1")
	if result.Status != StatusFailed {
		t.Fatalf("expected the panic to be normalized into a failed result, got %s", result.Status)
	}
}

// TestExecute_FillsLatencyMetric checks that every path stamps LatencyMs
// from the injected clock, independent of node type.
func TestExecute_FillsLatencyMetric(t *testing.T) {
	ex := New(nil, nil, nil, nil, nil, nil, nil)
	tick := 0
	base := time.Now()
	ex.Clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 5 * time.Millisecond)
	}
	node := domain.Node{ID: "a", Type: domain.NodeApproval}
	result := ex.Execute(context.Background(), domain.Run{}, node, domain.Step{}, "worker-1")
	if result.Metrics == nil || result.Metrics.LatencyMs <= 0 {
		t.Fatalf("expected a positive latency metric, got %+v", result.Metrics)
	}
}
