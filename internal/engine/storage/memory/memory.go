// Package memory is an in-process Store implementation for tests and
// single-node embedding. It clones every document on read and write so
// callers can never observe or corrupt another goroutine's in-flight
// mutation, mirroring the teacher's storage/memory.go clone-helper style.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

// Store implements every storage.Store collection interface over plain maps
// guarded by a single RWMutex. Simplicity over sharding: this is not the
// durability layer, it is the fast path for tests and local runs.
type Store struct {
	mu sync.RWMutex

	workspaces map[string]domain.Workspace
	tools      map[string]domain.Tool
	runs       map[string]domain.Run
	steps      map[string]map[string]domain.Step // runID -> stepID -> Step
	events     map[string][]domain.Event          // runID -> events, append order
	receipts   map[string][]domain.PaymentReceipt // runID -> receipts
	artifacts  map[string]domain.StepArtifact     // runID+"/"+stepID -> artifact

	clock func() time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		workspaces: make(map[string]domain.Workspace),
		tools:      make(map[string]domain.Tool),
		runs:       make(map[string]domain.Run),
		steps:      make(map[string]map[string]domain.Step),
		events:     make(map[string][]domain.Event),
		receipts:   make(map[string][]domain.PaymentReceipt),
		artifacts:  make(map[string]domain.StepArtifact),
		clock:      time.Now,
	}
}

// NewStore wires up a storage.Store whose every collection is backed by the
// same in-memory Store instance.
func NewStore() storage.Store {
	s := New()
	return storage.Store{
		Workspaces: s,
		Tools:      s,
		Runs:       s,
		Steps:      s,
		Events:     s,
		Receipts:   s,
		Artifacts:  s,
	}
}

func (s *Store) now() time.Time { return s.clock() }

func artifactKey(runID, stepID string) string { return runID + "/" + stepID }

func cloneWorkspace(w domain.Workspace) domain.Workspace {
	w.Settings = w.Settings.Clone()
	return w
}

func cloneTool(t domain.Tool) domain.Tool {
	t.Endpoints = append([]domain.ToolEndpoint(nil), t.Endpoints...)
	if t.PricingHints != nil {
		h := make(map[string]string, len(t.PricingHints))
		for k, v := range t.PricingHints {
			h[k] = v
		}
		t.PricingHints = h
	}
	return t
}

func cloneRun(r domain.Run) domain.Run {
	r.Graph.Nodes = append([]domain.Node(nil), r.Graph.Nodes...)
	r.Graph.Edges = append([]domain.Edge(nil), r.Graph.Edges...)
	r.AutoPayPolicy.ToolAllowlist = append([]string(nil), r.AutoPayPolicy.ToolAllowlist...)
	if r.LastHeartbeatAt != nil {
		t := *r.LastHeartbeatAt
		r.LastHeartbeatAt = &t
	}
	return r
}

func cloneStep(s domain.Step) domain.Step {
	if s.Inputs != nil {
		m := make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			m[k] = v
		}
		s.Inputs = m
	}
	if s.Outputs != nil {
		m := make(map[string]any, len(s.Outputs))
		for k, v := range s.Outputs {
			m[k] = v
		}
		s.Outputs = m
	}
	if s.LockedBy != nil {
		l := *s.LockedBy
		s.LockedBy = &l
	}
	if s.NextEligibleAt != nil {
		t := *s.NextEligibleAt
		s.NextEligibleAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	if s.Metrics != nil {
		m := *s.Metrics
		s.Metrics = &m
	}
	return s
}

// --- Workspace ---------------------------------------------------------

func (s *Store) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return domain.Workspace{}, storage.NewNotFoundError("workspace", id)
	}
	return cloneWorkspace(w), nil
}

func (s *Store) PutWorkspace(ctx context.Context, w domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = cloneWorkspace(w)
	return nil
}

func (s *Store) UpdateWorkspaceSettings(ctx context.Context, id string, fn func(domain.WorkspaceSettings) domain.WorkspaceSettings) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return domain.Workspace{}, storage.NewNotFoundError("workspace", id)
	}
	w.Settings = fn(w.Settings.Clone())
	w.UpdatedAt = s.now()
	s.workspaces[id] = w
	return cloneWorkspace(w), nil
}

// --- Tool ----------------------------------------------------------------

func (s *Store) GetTool(ctx context.Context, id string) (domain.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return domain.Tool{}, storage.NewNotFoundError("tool", id)
	}
	return cloneTool(t), nil
}

func (s *Store) ListToolsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Tool
	for _, t := range s.tools {
		if t.WorkspaceID == workspaceID {
			out = append(out, cloneTool(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutTool(ctx context.Context, t domain.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.ID] = cloneTool(t)
	return nil
}

func (s *Store) UpdateToolReputation(ctx context.Context, id string, fn func(domain.Tool) domain.Tool) (domain.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[id]
	if !ok {
		return domain.Tool{}, storage.NewNotFoundError("tool", id)
	}
	t = fn(cloneTool(t))
	t.UpdatedAt = s.now()
	s.tools[id] = t
	return cloneTool(t), nil
}
