package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, created_by, status, input, graph,
		       budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
		       auto_pay_policy, created_at, updated_at, last_heartbeat_at
		FROM engine_runs WHERE id = $1
	`, id)
	return scanRun(row, id)
}

func (s *Store) ListRunsByWorkspace(ctx context.Context, workspaceID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, created_by, status, input, graph,
		       budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
		       auto_pay_policy, created_at, updated_at, last_heartbeat_at
		FROM engine_runs WHERE workspace_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PutRun(ctx context.Context, r domain.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	inputJSON, err := marshalJSON(r.Input)
	if err != nil {
		return err
	}
	graphJSON, err := marshalJSON(r.Graph)
	if err != nil {
		return err
	}
	policyJSON, err := marshalJSON(r.AutoPayPolicy)
	if err != nil {
		return err
	}
	now := nowUTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_runs (id, workspace_id, created_by, status, input, graph,
			budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
			auto_pay_policy, created_at, updated_at, last_heartbeat_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			status = $4, input = $5, graph = $6, budget_asset = $7,
			budget_network = $8, budget_max_atomic = $9, budget_spent_atomic = $10,
			auto_pay_policy = $11, updated_at = $13, last_heartbeat_at = $14
	`, r.ID, r.WorkspaceID, r.CreatedBy, string(r.Status), inputJSON, graphJSON,
		r.Budget.Asset, r.Budget.Network, r.Budget.MaxAtomic, r.Budget.SpentAtomic,
		policyJSON, r.CreatedAt, r.UpdatedAt, r.LastHeartbeatAt)
	return err
}

// CompareAndSwapRunStatus reads the current row inside a transaction, locks
// it with FOR UPDATE so concurrent claimants serialize, and only commits the
// new status if the observed status is one of expectFrom.
func (s *Store) CompareAndSwapRunStatus(ctx context.Context, id string, expectFrom []domain.RunStatus, to domain.RunStatus) (domain.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, created_by, status, input, graph,
		       budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
		       auto_pay_policy, created_at, updated_at, last_heartbeat_at
		FROM engine_runs WHERE id = $1 FOR UPDATE
	`, id)
	current, err := scanRun(row, id)
	if err != nil {
		return domain.Run{}, err
	}

	allowed := false
	for _, want := range expectFrom {
		if current.Status == want {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Run{}, fmt.Errorf("run %s status %s: %w", id, current.Status, storage.ErrConflict)
	}

	current.Status = to
	current.UpdatedAt = nowUTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE engine_runs SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(current.Status), current.UpdatedAt); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return current, nil
}

// CompareAndSwapBudget implements the optimistic-deduction half of the
// Budget Ledger: the row lock from FOR UPDATE plays the role the in-memory
// store gets from its single write mutex.
func (s *Store) CompareAndSwapBudget(ctx context.Context, id string, fn func(current domain.Budget) (domain.Budget, error)) (domain.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, created_by, status, input, graph,
		       budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
		       auto_pay_policy, created_at, updated_at, last_heartbeat_at
		FROM engine_runs WHERE id = $1 FOR UPDATE
	`, id)
	current, err := scanRun(row, id)
	if err != nil {
		return domain.Run{}, err
	}

	next, err := fn(current.Budget)
	if err != nil {
		return domain.Run{}, err
	}
	current.Budget = next
	current.UpdatedAt = nowUTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE engine_runs SET budget_spent_atomic = $2, updated_at = $3 WHERE id = $1
	`, id, current.Budget.SpentAtomic, current.UpdatedAt); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return current, nil
}

func (s *Store) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_runs SET last_heartbeat_at = $2, updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *Store) ListStaleRuns(ctx context.Context, before time.Time) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, created_by, status, input, graph,
		       budget_asset, budget_network, budget_max_atomic, budget_spent_atomic,
		       auto_pay_policy, created_at, updated_at, last_heartbeat_at
		FROM engine_runs
		WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
	`, string(domain.RunRunning), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM engine_step_artifacts WHERE run_id = $1`,
		`DELETE FROM engine_payment_receipts WHERE run_id = $1`,
		`DELETE FROM engine_events WHERE run_id = $1`,
		`DELETE FROM engine_steps WHERE run_id = $1`,
		`DELETE FROM engine_runs WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.NewNotFoundError(kind, id)
	}
	return nil
}

func scanRun(sc rowScanner, id string) (domain.Run, error) {
	var (
		r          domain.Run
		status     string
		inputJSON  []byte
		graphJSON  []byte
		policyJSON []byte
		heartbeat  sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.WorkspaceID, &r.CreatedBy, &status, &inputJSON, &graphJSON,
		&r.Budget.Asset, &r.Budget.Network, &r.Budget.MaxAtomic, &r.Budget.SpentAtomic,
		&policyJSON, &r.CreatedAt, &r.UpdatedAt, &heartbeat); err != nil {
		if err == sql.ErrNoRows {
			return domain.Run{}, storage.NewNotFoundError("run", id)
		}
		return domain.Run{}, err
	}
	r.Status = domain.RunStatus(status)
	if heartbeat.Valid {
		t := heartbeat.Time
		r.LastHeartbeatAt = &t
	}
	if err := json.Unmarshal(inputJSON, &r.Input); err != nil {
		return domain.Run{}, err
	}
	if err := json.Unmarshal(graphJSON, &r.Graph); err != nil {
		return domain.Run{}, err
	}
	if err := json.Unmarshal(policyJSON, &r.AutoPayPolicy); err != nil {
		return domain.Run{}, err
	}
	return r, nil
}
