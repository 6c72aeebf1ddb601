package memory

import (
	"context"
	"sort"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, storage.NewNotFoundError("run", id)
	}
	return cloneRun(r), nil
}

func (s *Store) PutRun(ctx context.Context, r domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *Store) ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Run
	for _, r := range s.runs {
		if r.WorkspaceID == workspaceID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CompareAndSwapRunStatus(ctx context.Context, id string, expectFrom []domain.RunStatus, to domain.RunStatus) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, storage.NewNotFoundError("run", id)
	}
	matched := false
	for _, from := range expectFrom {
		if r.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return domain.Run{}, storage.ErrConflict
	}
	r.Status = to
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return cloneRun(r), nil
}

func (s *Store) CompareAndSwapBudget(ctx context.Context, id string, fn func(current domain.Budget) (domain.Budget, error)) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, storage.NewNotFoundError("run", id)
	}
	next, err := fn(r.Budget)
	if err != nil {
		return domain.Run{}, err
	}
	r.Budget = next
	r.UpdatedAt = s.now()
	s.runs[id] = r
	return cloneRun(r), nil
}

func (s *Store) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return storage.NewNotFoundError("run", id)
	}
	r.LastHeartbeatAt = &at
	s.runs[id] = r
	return nil
}

func (s *Store) ListStaleRuns(ctx context.Context, before time.Time) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Run
	for _, r := range s.runs {
		if r.Status != domain.RunRunning {
			continue
		}
		if r.LastHeartbeatAt == nil || r.LastHeartbeatAt.Before(before) {
			out = append(out, cloneRun(r))
		}
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
	delete(s.steps, id)
	delete(s.events, id)
	delete(s.receipts, id)
	for k := range s.artifacts {
		if len(k) > len(id) && k[:len(id)] == id && k[len(id)] == '/' {
			delete(s.artifacts, k)
		}
	}
	return nil
}
