package memory

import (
	"context"
	"sort"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) GetStep(ctx context.Context, runID, stepID string) (domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.steps[runID]
	if !ok {
		return domain.Step{}, storage.NewNotFoundError("step", stepID)
	}
	st, ok := run[stepID]
	if !ok {
		return domain.Step{}, storage.NewNotFoundError("step", stepID)
	}
	return cloneStep(st), nil
}

func (s *Store) PutStep(ctx context.Context, st domain.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.steps[st.RunID]
	if !ok {
		run = make(map[string]domain.Step)
		s.steps[st.RunID] = run
	}
	run[st.StepID] = cloneStep(st)
	return nil
}

func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run := s.steps[runID]
	out := make([]domain.Step, 0, len(run))
	for _, st := range run {
		out = append(out, cloneStep(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) UpdateStep(ctx context.Context, runID, stepID string, fn func(domain.Step) (domain.Step, error)) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.steps[runID]
	if !ok {
		return domain.Step{}, storage.NewNotFoundError("step", stepID)
	}
	st, ok := run[stepID]
	if !ok {
		return domain.Step{}, storage.NewNotFoundError("step", stepID)
	}
	next, err := fn(cloneStep(st))
	if err != nil {
		return domain.Step{}, err
	}
	next.UpdatedAt = s.now()
	run[stepID] = next
	return cloneStep(next), nil
}

// ClaimNextStep implements the Claim Scheduler's atomic find-and-modify
// (spec §4.8 step 2): select status=queued AND (nextEligibleAt missing OR <=
// now), optionally scoped to one run, ordered by updatedAt asc, claim the
// first match. The whole selection+mutation happens under the single write
// lock so no two callers can observe the same candidate.
func (s *Store) ClaimNextStep(ctx context.Context, scopeRunID string, workerID string, now time.Time) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Step
	var bestRunID string
	consider := func(runID string, run map[string]domain.Step) {
		for stepID, st := range run {
			if st.Status != domain.StepQueued {
				continue
			}
			if st.NextEligibleAt != nil && st.NextEligibleAt.After(now) {
				continue
			}
			if best == nil || st.UpdatedAt.Before(best.UpdatedAt) {
				cp := st
				cp.StepID = stepID
				best = &cp
				bestRunID = runID
			}
		}
	}

	if scopeRunID != "" {
		if run, ok := s.steps[scopeRunID]; ok {
			consider(scopeRunID, run)
		}
	} else {
		for runID, run := range s.steps {
			consider(runID, run)
		}
	}

	if best == nil {
		return domain.Step{}, storage.ErrNotFound
	}

	claimed := *best
	claimed.Status = domain.StepRunning
	claimed.LockedBy = &domain.StepLock{WorkerID: workerID, LockedAt: now}
	claimed.Attempt++
	claimed.UpdatedAt = now
	s.steps[bestRunID][claimed.StepID] = claimed
	return cloneStep(claimed), nil
}

func (s *Store) ListRunningSteps(ctx context.Context) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Step
	for _, run := range s.steps {
		for _, st := range run {
			if st.Status == domain.StepRunning {
				out = append(out, cloneStep(st))
			}
		}
	}
	return out, nil
}

func (s *Store) ReleaseStaleStep(ctx context.Context, runID, stepID string, observedWorkerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.steps[runID]
	if !ok {
		return storage.NewNotFoundError("step", stepID)
	}
	st, ok := run[stepID]
	if !ok {
		return storage.NewNotFoundError("step", stepID)
	}
	if st.Status != domain.StepRunning || st.LockedBy == nil || st.LockedBy.WorkerID != observedWorkerID {
		return storage.ErrConflict
	}
	st.Status = domain.StepQueued
	st.LockedBy = nil
	st.UpdatedAt = s.now()
	run[stepID] = st
	return nil
}

func (s *Store) DeleteStepsByRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, runID)
	return nil
}
