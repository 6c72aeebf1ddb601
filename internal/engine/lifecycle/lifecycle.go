// Package lifecycle implements the Run Lifecycle (C7): materializing steps
// from a validated graph, unblocking dependents as steps succeed, detecting
// run completion, and heartbeating. Grounded on
// services/automation/automation_service.go's trigger bookkeeping and
// internal/app/services/oracle/dispatcher.go's resolver call sequence,
// adapted to the DAG-readiness rules of SPEC_FULL §4.7.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// Manager owns the run-lifecycle transitions that are not part of the
// per-step Executor: materialization, dependency unblocking, completion
// detection and heartbeating.
type Manager struct {
	Runs   storage.RunStore
	Steps  storage.StepStore
	Events storage.EventStore
	Log    *logger.Logger
	Clock  func() time.Time
}

// New constructs a Manager.
func New(runs storage.RunStore, steps storage.StepStore, events storage.EventStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("run-lifecycle")
	}
	return &Manager{Runs: runs, Steps: steps, Events: events, Log: log, Clock: time.Now}
}

// Materialize implements spec §4.7's materialize(run): one Step per Node,
// status queued if ready, blocked otherwise.
func (m *Manager) Materialize(ctx context.Context, run domain.Run) error {
	g := run.Graph
	now := m.Clock()
	for _, node := range g.Nodes {
		status := domain.StepBlocked
		if domain.IsReadyOnMaterialize(g, node.ID) {
			status = domain.StepQueued
		}
		step := domain.Step{
			RunID:       run.ID,
			WorkspaceID: run.WorkspaceID,
			StepID:      node.ID,
			NodeType:    node.Type,
			Status:      status,
			Attempt:     0,
			Inputs:      map[string]any{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := m.Steps.PutStep(ctx, step); err != nil {
			return fmt.Errorf("lifecycle: materialize step %s: %w", node.ID, err)
		}
	}
	return nil
}

// UnblockDependents implements spec §4.7's unblockDependents(runId,
// stepId, graph): for every target whose dependencies are all succeeded,
// flip blocked -> queued. Branch nodes additionally resolve their untaken
// target synthetically succeeded{skipped:true}, and that resolution
// recurses.
func (m *Manager) UnblockDependents(ctx context.Context, runID string, stepID string, g domain.Graph) error {
	targets := domain.Dependents(g, stepID)
	for _, targetID := range targets {
		if err := m.tryUnblock(ctx, runID, targetID, g); err != nil {
			return err
		}
	}

	node := findNode(g, stepID)
	if node == nil || node.Type != domain.NodeBranch {
		return nil
	}
	step, err := m.Steps.GetStep(ctx, runID, stepID)
	if err != nil {
		return err
	}
	taken, _ := step.Outputs["branchTaken"].(string)
	untaken := node.OnFalse
	if taken == node.OnFalse {
		untaken = node.OnTrue
	}
	if untaken == "" {
		return nil
	}
	return m.resolveSkipped(ctx, runID, untaken, g)
}

// resolveSkipped marks a branch's untaken target succeeded{skipped:true}
// without ever claiming it, then recurses into its own dependents —
// Open Question 1's resolution (SPEC_FULL §9).
func (m *Manager) resolveSkipped(ctx context.Context, runID string, nodeID string, g domain.Graph) error {
	step, err := m.Steps.GetStep(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return nil
	}
	now := m.Clock()
	if _, err := m.Steps.UpdateStep(ctx, runID, nodeID, func(s domain.Step) (domain.Step, error) {
		s.Status = domain.StepSucceeded
		s.Outputs = map[string]any{"skipped": true}
		s.UpdatedAt = now
		return s, nil
	}); err != nil {
		return err
	}
	if err := m.appendEvent(ctx, runID, step.WorkspaceID, domain.EventStepSucceeded, map[string]any{"stepId": nodeID, "skipped": true}); err != nil {
		return err
	}
	return m.UnblockDependents(ctx, runID, nodeID, g)
}

func (m *Manager) tryUnblock(ctx context.Context, runID string, targetID string, g domain.Graph) error {
	step, err := m.Steps.GetStep(ctx, runID, targetID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if step.Status != domain.StepBlocked {
		return nil
	}

	deps := domain.Dependencies(g, targetID)
	for _, depID := range deps {
		depStep, err := m.Steps.GetStep(ctx, runID, depID)
		if err != nil {
			return err
		}
		if depStep.Status != domain.StepSucceeded {
			return nil
		}
	}

	now := m.Clock()
	_, err = m.Steps.UpdateStep(ctx, runID, targetID, func(s domain.Step) (domain.Step, error) {
		s.Status = domain.StepQueued
		s.UpdatedAt = now
		return s, nil
	})
	return err
}

// CheckCompletion implements spec §4.7's checkCompletion(runId).
func (m *Manager) CheckCompletion(ctx context.Context, runID string) error {
	run, err := m.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	steps, err := m.Steps.ListStepsByRun(ctx, runID)
	if err != nil {
		return err
	}

	anyOpen := false
	anyFailed := false
	for _, s := range steps {
		switch s.Status {
		case domain.StepQueued, domain.StepRunning, domain.StepBlocked:
			anyOpen = true
		case domain.StepFailed:
			anyFailed = true
		}
	}
	if anyOpen {
		return nil
	}

	final := domain.RunSucceeded
	eventType := domain.EventRunSucceeded
	if anyFailed {
		final = domain.RunFailed
		eventType = domain.EventRunFailed
	}

	_, err = m.Runs.CompareAndSwapRunStatus(ctx, runID, []domain.RunStatus{run.Status}, final)
	if err != nil {
		if storage.IsConflict(err) {
			return nil
		}
		return err
	}
	return m.appendEvent(ctx, runID, run.WorkspaceID, eventType, map[string]any{"status": string(final)})
}

// Heartbeat implements spec §4.7's heartbeat(runId).
func (m *Manager) Heartbeat(ctx context.Context, runID string) error {
	return m.Runs.SetHeartbeat(ctx, runID, m.Clock())
}

func (m *Manager) appendEvent(ctx context.Context, runID, workspaceID string, evType domain.EventType, data map[string]any) error {
	_, err := m.Events.AppendEvent(ctx, domain.Event{
		ID:          uuid.NewString(),
		RunID:       runID,
		WorkspaceID: workspaceID,
		Type:        evType,
		Data:        data,
		Actor:       domain.Actor{Type: domain.ActorSystem, ID: "lifecycle"},
	})
	return err
}

func findNode(g domain.Graph, id string) *domain.Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
