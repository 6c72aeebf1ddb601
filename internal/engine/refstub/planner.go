// Package refstub provides the deterministic reference implementations of
// the engine's external collaborator contracts (planner, LLM, wallet)
// named in SPEC_FULL §6. Each is good enough to drive the
// end-to-end scenarios of SPEC_FULL §8 without a real model, chain, or
// planner service; production wiring swaps these for HTTP-backed clients
// behind the same interfaces. Grounded stylistically on
// internal/app/services/oracle/resolver_http.go's
// (done, success, result, errMsg, retryAfter, err) tuple idiom for
// returning structured outcomes instead of raising.
package refstub

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// PlanResult is the Planner contract's return shape.
type PlanResult struct {
	Success            bool
	Graph              domain.Graph
	Reasoning          string
	EstimatedCostAtomic string
	Error              string
}

// Planner is the external collaborator createRun invokes to turn an
// intent into a graph.
type Planner interface {
	Plan(ctx context.Context, intent string, availableTools []domain.Tool, budgetCeilingAtomic string, autoPayEnabled bool) (PlanResult, error)
}

// StaticPlanner is the reference planner: it always emits a single
// finalize node that echoes the intent, regardless of available tools.
// Sufficient to drive S1/S5-style tests without a real LLM-backed planner.
type StaticPlanner struct{}

// NewStaticPlanner constructs the reference planner.
func NewStaticPlanner() *StaticPlanner { return &StaticPlanner{} }

func (p *StaticPlanner) Plan(ctx context.Context, intent string, availableTools []domain.Tool, budgetCeilingAtomic string, autoPayEnabled bool) (PlanResult, error) {
	nodeID := "finalize-" + uuid.NewString()[:8]
	graph := domain.Graph{
		EntryNodeID: nodeID,
		Nodes: []domain.Node{
			{
				ID:             nodeID,
				Type:           domain.NodeFinalize,
				Label:          "finalize",
				OutputTemplate: fmt.Sprintf(`{"summary": %q}`, intent),
			},
		},
	}
	return PlanResult{
		Success:   true,
		Graph:     graph,
		Reasoning: "static planner: single finalize node echoing the intent",
	}, nil
}

// FallbackGraph builds the single-finalize-node fallback graph createRun
// persists when planning fails (spec §4.10).
func FallbackGraph(intent string) domain.Graph {
	nodeID := "finalize-fallback"
	return domain.Graph{
		EntryNodeID: nodeID,
		Nodes: []domain.Node{
			{
				ID:             nodeID,
				Type:           domain.NodeFinalize,
				Label:          "fallback finalize",
				OutputTemplate: fmt.Sprintf(`{"summary": %q, "planningFailed": true}`, intent),
			},
		},
	}
}
