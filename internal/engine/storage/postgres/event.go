package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
)

// AppendEvent assigns an id and ts=now before insertion. The event log is
// append-only; there is no update path.
func (s *Store) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	e.ID = uuid.NewString()
	e.TS = nowUTC()
	dataJSON, err := marshalJSON(e.Data)
	if err != nil {
		return domain.Event{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_events (id, run_id, workspace_id, type, ts, data, actor_type, actor_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.RunID, e.WorkspaceID, string(e.Type), e.TS, dataJSON,
		string(e.Actor.Type), e.Actor.ID)
	if err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

func (s *Store) EventsSince(ctx context.Context, runID string, after time.Time) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, workspace_id, type, ts, data, actor_type, actor_id
		FROM engine_events WHERE run_id = $1 AND ts > $2 ORDER BY ts ASC
	`, runID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			typ      string
			dataJSON []byte
			actorTyp string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkspaceID, &typ, &e.TS, &dataJSON, &actorTyp, &e.Actor.ID); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Actor.Type = domain.ActorType(actorTyp)
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteEventsByRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_events WHERE run_id = $1`, runID)
	return err
}
