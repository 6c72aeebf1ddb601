package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// AppendEvent assigns an id and ts=now and stores the event in append order;
// events are never mutated or deleted individually (spec §4.2).
func (s *Store) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.NewString()
	e.TS = s.now()
	if e.Data != nil {
		cp := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			cp[k] = v
		}
		e.Data = cp
	}
	s.events[e.RunID] = append(s.events[e.RunID], e)
	return e, nil
}

// EventsSince returns events with ts > after, ascending (already the
// storage order since AppendEvent only ever appends).
func (s *Store) EventsSince(ctx context.Context, runID string, after time.Time) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[runID]
	out := make([]domain.Event, 0, len(all))
	for _, e := range all {
		if e.TS.After(after) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) DeleteEventsByRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, runID)
	return nil
}
