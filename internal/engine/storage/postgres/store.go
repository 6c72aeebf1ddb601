// Package postgres implements the typed document Store (C1) over
// PostgreSQL for durable, multi-process deployment. Grounded on
// internal/app/storage/postgres/store.go's per-collection Store struct
// and scan-helper idiom, adapted from the teacher's per-domain tables to
// this engine's seven collections.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

// Store implements every storage.Store collection interface over a shared
// *sql.DB, mirroring the teacher's single-struct-many-interfaces shape.
type Store struct {
	db *sql.DB
}

var (
	_ storage.WorkspaceStore = (*Store)(nil)
	_ storage.ToolStore      = (*Store)(nil)
	_ storage.RunStore       = (*Store)(nil)
	_ storage.StepStore      = (*Store)(nil)
	_ storage.EventStore     = (*Store)(nil)
	_ storage.ReceiptStore   = (*Store)(nil)
	_ storage.ArtifactStore  = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStore wires up a storage.Store whose every collection is backed by the
// same postgres Store instance.
func NewStore(db *sql.DB) storage.Store {
	s := New(db)
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

func nowUTC() time.Time { return time.Now().UTC() }

func mapOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// --- Workspace -------------------------------------------------------------

func (s *Store) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, settings, created_at, updated_at
		FROM engine_workspaces WHERE id = $1
	`, id)
	return scanWorkspace(row, id)
}

func (s *Store) PutWorkspace(ctx context.Context, w domain.Workspace) error {
	settingsJSON, err := marshalJSON(w.Settings)
	if err != nil {
		return err
	}
	now := nowUTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_workspaces (id, name, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, settings = $3, updated_at = $5
	`, w.ID, w.Name, settingsJSON, w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *Store) UpdateWorkspaceSettings(ctx context.Context, id string, fn func(domain.WorkspaceSettings) domain.WorkspaceSettings) (domain.Workspace, error) {
	w, err := s.GetWorkspace(ctx, id)
	if err != nil {
		return domain.Workspace{}, err
	}
	w.Settings = fn(w.Settings.Clone())
	w.UpdatedAt = nowUTC()
	settingsJSON, err := marshalJSON(w.Settings)
	if err != nil {
		return domain.Workspace{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE engine_workspaces SET settings = $2, updated_at = $3 WHERE id = $1
	`, id, settingsJSON, w.UpdatedAt); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func scanWorkspace(row *sql.Row, id string) (domain.Workspace, error) {
	var (
		w            domain.Workspace
		settingsJSON []byte
	)
	if err := row.Scan(&w.ID, &w.Name, &settingsJSON, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Workspace{}, storage.NewNotFoundError("workspace", id)
		}
		return domain.Workspace{}, err
	}
	if err := json.Unmarshal(settingsJSON, &w.Settings); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// --- Tool --------------------------------------------------------------

func (s *Store) GetTool(ctx context.Context, id string) (domain.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, description, base_url, endpoints,
		       source, reputation, pricing_hints, created_at, updated_at
		FROM engine_tools WHERE id = $1
	`, id)
	return scanTool(row, id)
}

func (s *Store) ListToolsByWorkspace(ctx context.Context, workspaceID string) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, description, base_url, endpoints,
		       source, reputation, pricing_hints, created_at, updated_at
		FROM engine_tools WHERE workspace_id = $1 ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tool
	for rows.Next() {
		t, err := scanToolRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) PutTool(ctx context.Context, t domain.Tool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	endpointsJSON, err := marshalJSON(t.Endpoints)
	if err != nil {
		return err
	}
	repJSON, err := marshalJSON(t.Reputation)
	if err != nil {
		return err
	}
	pricingJSON, err := marshalJSON(mapOrEmpty(t.PricingHints))
	if err != nil {
		return err
	}
	now := nowUTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_tools (id, workspace_id, name, description, base_url,
			endpoints, source, reputation, pricing_hints, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = $3, description = $4, base_url = $5, endpoints = $6,
			source = $7, reputation = $8, pricing_hints = $9, updated_at = $11
	`, t.ID, t.WorkspaceID, t.Name, t.Description, t.BaseURL, endpointsJSON,
		t.Source, repJSON, pricingJSON, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) UpdateToolReputation(ctx context.Context, id string, fn func(domain.Tool) domain.Tool) (domain.Tool, error) {
	t, err := s.GetTool(ctx, id)
	if err != nil {
		return domain.Tool{}, err
	}
	t = fn(t)
	t.UpdatedAt = nowUTC()
	repJSON, err := marshalJSON(t.Reputation)
	if err != nil {
		return domain.Tool{}, err
	}
	pricingJSON, err := marshalJSON(mapOrEmpty(t.PricingHints))
	if err != nil {
		return domain.Tool{}, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE engine_tools SET reputation = $2, pricing_hints = $3, updated_at = $4 WHERE id = $1
	`, id, repJSON, pricingJSON, t.UpdatedAt); err != nil {
		return domain.Tool{}, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCommon(sc rowScanner, id string) (domain.Tool, error) {
	var (
		t             domain.Tool
		endpointsJSON []byte
		repJSON       []byte
		pricingJSON   []byte
	)
	if err := sc.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Description, &t.BaseURL,
		&endpointsJSON, &t.Source, &repJSON, &pricingJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Tool{}, storage.NewNotFoundError("tool", id)
		}
		return domain.Tool{}, err
	}
	if err := json.Unmarshal(endpointsJSON, &t.Endpoints); err != nil {
		return domain.Tool{}, err
	}
	if err := json.Unmarshal(repJSON, &t.Reputation); err != nil {
		return domain.Tool{}, err
	}
	if err := json.Unmarshal(pricingJSON, &t.PricingHints); err != nil {
		return domain.Tool{}, err
	}
	return t, nil
}

func scanTool(row *sql.Row, id string) (domain.Tool, error)     { return scanToolCommon(row, id) }
func scanToolRows(rows *sql.Rows) (domain.Tool, error)          { return scanToolCommon(rows, "") }
