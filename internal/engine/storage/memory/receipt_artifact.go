package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) InsertReceipt(ctx context.Context, r domain.PaymentReceipt) (domain.PaymentReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.receipts[r.RunID] = append(s.receipts[r.RunID], r)
	return r, nil
}

func (s *Store) ListReceiptsByRun(ctx context.Context, runID string) ([]domain.PaymentReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PaymentReceipt, len(s.receipts[runID]))
	copy(out, s.receipts[runID])
	return out, nil
}

func (s *Store) DeleteReceiptsByRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receipts, runID)
	return nil
}

func (s *Store) PutArtifact(ctx context.Context, a domain.StepArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.artifacts[artifactKey(a.RunID, a.StepID)] = a
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, runID, stepID string) (domain.StepArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey(runID, stepID)]
	if !ok {
		return domain.StepArtifact{}, storage.NewNotFoundError("artifact", stepID)
	}
	return a, nil
}

func (s *Store) DeleteArtifactsByRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := runID + "/"
	for k := range s.artifacts {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.artifacts, k)
		}
	}
	return nil
}
