package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) GetStep(ctx context.Context, runID, stepID string) (domain.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, workspace_id, node_type, status, attempt,
		       locked_by_worker, locked_at, inputs, outputs, error, metrics,
		       next_eligible_at, created_at, updated_at
		FROM engine_steps WHERE run_id = $1 AND step_id = $2
	`, runID, stepID)
	return scanStep(row, runID, stepID)
}

func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, workspace_id, node_type, status, attempt,
		       locked_by_worker, locked_at, inputs, outputs, error, metrics,
		       next_eligible_at, created_at, updated_at
		FROM engine_steps WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		st, err := scanStep(rows, runID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) PutStep(ctx context.Context, st domain.Step) error {
	inputsJSON, err := marshalJSON(st.Inputs)
	if err != nil {
		return err
	}
	outputsJSON, err := nullableJSON(st.Outputs)
	if err != nil {
		return err
	}
	errJSON, err := nullableJSON(st.Error)
	if err != nil {
		return err
	}
	metricsJSON, err := nullableJSON(st.Metrics)
	if err != nil {
		return err
	}
	now := nowUTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	var lockedBy *string
	var lockedAt *time.Time
	if st.LockedBy != nil {
		lockedBy = &st.LockedBy.WorkerID
		lockedAt = &st.LockedBy.LockedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_steps (run_id, step_id, workspace_id, node_type, status,
			attempt, locked_by_worker, locked_at, inputs, outputs, error, metrics,
			next_eligible_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = $5, attempt = $6, locked_by_worker = $7, locked_at = $8,
			inputs = $9, outputs = $10, error = $11, metrics = $12,
			next_eligible_at = $13, updated_at = $15
	`, st.RunID, st.StepID, st.WorkspaceID, string(st.NodeType), string(st.Status),
		st.Attempt, lockedBy, lockedAt, inputsJSON, outputsJSON, errJSON, metricsJSON,
		st.NextEligibleAt, st.CreatedAt, st.UpdatedAt)
	return err
}

// UpdateStep reads the row FOR UPDATE, applies fn, and writes the result back
// inside the same transaction so the read-modify-write is atomic against
// concurrent claimants, matching the in-memory store's single-mutex
// semantics.
func (s *Store) UpdateStep(ctx context.Context, runID, stepID string, fn func(domain.Step) (domain.Step, error)) (domain.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT run_id, step_id, workspace_id, node_type, status, attempt,
		       locked_by_worker, locked_at, inputs, outputs, error, metrics,
		       next_eligible_at, created_at, updated_at
		FROM engine_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE
	`, runID, stepID)
	current, err := scanStep(row, runID, stepID)
	if err != nil {
		return domain.Step{}, err
	}

	next, err := fn(current)
	if err != nil {
		return domain.Step{}, err
	}
	if err := writeStepTx(ctx, tx, next); err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return next, nil
}

// ClaimNextStep implements the atomic find-and-modify the Claim Scheduler
// needs: SELECT ... FOR UPDATE SKIP LOCKED picks one eligible row without
// blocking on rows other workers are concurrently evaluating, then the same
// transaction flips it to running and stamps the lease.
func (s *Store) ClaimNextStep(ctx context.Context, scopeRunID string, workerID string, now time.Time) (domain.Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()

	var row *sql.Row
	if scopeRunID != "" {
		row = tx.QueryRowContext(ctx, `
			SELECT run_id, step_id, workspace_id, node_type, status, attempt,
			       locked_by_worker, locked_at, inputs, outputs, error, metrics,
			       next_eligible_at, created_at, updated_at
			FROM engine_steps
			WHERE status = $1 AND run_id = $2 AND (next_eligible_at IS NULL OR next_eligible_at <= $3)
			ORDER BY updated_at ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		`, string(domain.StepQueued), scopeRunID, now)
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT run_id, step_id, workspace_id, node_type, status, attempt,
			       locked_by_worker, locked_at, inputs, outputs, error, metrics,
			       next_eligible_at, created_at, updated_at
			FROM engine_steps
			WHERE status = $1 AND (next_eligible_at IS NULL OR next_eligible_at <= $2)
			ORDER BY updated_at ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		`, string(domain.StepQueued), now)
	}

	current, err := scanStep(row, scopeRunID, "")
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Step{}, storage.ErrNotFound
		}
		return domain.Step{}, err
	}

	current.Status = domain.StepRunning
	current.Attempt++
	current.LockedBy = &domain.StepLock{WorkerID: workerID, LockedAt: now}
	current.UpdatedAt = now
	if err := writeStepTx(ctx, tx, current); err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return current, nil
}

func (s *Store) ListRunningSteps(ctx context.Context) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, workspace_id, node_type, status, attempt,
		       locked_by_worker, locked_at, inputs, outputs, error, metrics,
		       next_eligible_at, created_at, updated_at
		FROM engine_steps WHERE status = $1
	`, string(domain.StepRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Step
	for rows.Next() {
		st, err := scanStep(rows, "", "")
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ReleaseStaleStep resets a lease back to queued iff the lease still names
// observedWorkerID, mirroring the memory store's reclaim guard.
func (s *Store) ReleaseStaleStep(ctx context.Context, runID, stepID string, observedWorkerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE engine_steps
		SET status = $4, locked_by_worker = NULL, locked_at = NULL, updated_at = $5
		WHERE run_id = $1 AND step_id = $2 AND status = $6 AND locked_by_worker = $3
	`, runID, stepID, observedWorkerID, string(domain.StepQueued), nowUTC(), string(domain.StepRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) DeleteStepsByRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_steps WHERE run_id = $1`, runID)
	return err
}

func writeStepTx(ctx context.Context, tx *sql.Tx, st domain.Step) error {
	inputsJSON, err := marshalJSON(st.Inputs)
	if err != nil {
		return err
	}
	outputsJSON, err := nullableJSON(st.Outputs)
	if err != nil {
		return err
	}
	errJSON, err := nullableJSON(st.Error)
	if err != nil {
		return err
	}
	metricsJSON, err := nullableJSON(st.Metrics)
	if err != nil {
		return err
	}
	var lockedBy *string
	var lockedAt *time.Time
	if st.LockedBy != nil {
		lockedBy = &st.LockedBy.WorkerID
		lockedAt = &st.LockedBy.LockedAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE engine_steps SET
			status = $3, attempt = $4, locked_by_worker = $5, locked_at = $6,
			inputs = $7, outputs = $8, error = $9, metrics = $10,
			next_eligible_at = $11, updated_at = $12
		WHERE run_id = $1 AND step_id = $2
	`, st.RunID, st.StepID, string(st.Status), st.Attempt, lockedBy, lockedAt,
		inputsJSON, outputsJSON, errJSON, metricsJSON, st.NextEligibleAt, st.UpdatedAt)
	return err
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanStep(sc rowScanner, runID, stepID string) (domain.Step, error) {
	var (
		st          domain.Step
		nodeType    string
		status      string
		lockedBy    sql.NullString
		lockedAt    sql.NullTime
		inputsJSON  []byte
		outputsJSON []byte
		errJSON     []byte
		metricsJSON []byte
		nextEligible sql.NullTime
	)
	if err := sc.Scan(&st.RunID, &st.StepID, &st.WorkspaceID, &nodeType, &status, &st.Attempt,
		&lockedBy, &lockedAt, &inputsJSON, &outputsJSON, &errJSON, &metricsJSON,
		&nextEligible, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Step{}, storage.NewNotFoundError("step", runID+":"+stepID)
		}
		return domain.Step{}, err
	}
	st.NodeType = domain.NodeType(nodeType)
	st.Status = domain.StepStatus(status)
	if lockedBy.Valid {
		st.LockedBy = &domain.StepLock{WorkerID: lockedBy.String}
		if lockedAt.Valid {
			st.LockedBy.LockedAt = lockedAt.Time
		}
	}
	if nextEligible.Valid {
		t := nextEligible.Time
		st.NextEligibleAt = &t
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &st.Inputs); err != nil {
			return domain.Step{}, err
		}
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &st.Outputs); err != nil {
			return domain.Step{}, err
		}
	}
	if len(errJSON) > 0 {
		st.Error = &domain.StepError{}
		if err := json.Unmarshal(errJSON, st.Error); err != nil {
			return domain.Step{}, err
		}
	}
	if len(metricsJSON) > 0 {
		st.Metrics = &domain.StepMetrics{}
		if err := json.Unmarshal(metricsJSON, st.Metrics); err != nil {
			return domain.Step{}, err
		}
	}
	return st, nil
}
