package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
)

func (s *Store) InsertReceipt(ctx context.Context, r domain.PaymentReceipt) (domain.PaymentReceipt, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_payment_receipts (id, run_id, step_id, tool_id, network, asset,
			amount_atomic, payment_required_b64, payment_signature_b64, payment_response_b64,
			tx_hash, status, lookup_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.RunID, r.StepID, r.ToolID, r.Network, r.Asset, r.AmountAtomic,
		r.PaymentRequiredEncoded, r.PaymentSignatureEncoded, r.PaymentResponseEncoded,
		r.TxHash, string(r.Status), r.LookupKey, r.CreatedAt)
	if err != nil {
		return domain.PaymentReceipt{}, err
	}
	return r, nil
}

func (s *Store) ListReceiptsByRun(ctx context.Context, runID string) ([]domain.PaymentReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, tool_id, network, asset, amount_atomic,
		       payment_required_b64, payment_signature_b64, payment_response_b64,
		       tx_hash, status, lookup_key, created_at
		FROM engine_payment_receipts WHERE run_id = $1 ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentReceipt
	for rows.Next() {
		var r domain.PaymentReceipt
		var status string
		if err := rows.Scan(&r.ID, &r.RunID, &r.StepID, &r.ToolID, &r.Network, &r.Asset,
			&r.AmountAtomic, &r.PaymentRequiredEncoded, &r.PaymentSignatureEncoded,
			&r.PaymentResponseEncoded, &r.TxHash, &status, &r.LookupKey, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.ReceiptStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteReceiptsByRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_payment_receipts WHERE run_id = $1`, runID)
	return err
}

func (s *Store) PutArtifact(ctx context.Context, a domain.StepArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_step_artifacts (id, run_id, step_id, kind, blob)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, step_id) DO UPDATE SET kind = $4, blob = $5
	`, a.ID, a.RunID, a.StepID, a.Kind, a.Blob)
	return err
}

func (s *Store) GetArtifact(ctx context.Context, runID, stepID string) (domain.StepArtifact, error) {
	var a domain.StepArtifact
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_id, kind, blob
		FROM engine_step_artifacts WHERE run_id = $1 AND step_id = $2
	`, runID, stepID).Scan(&a.ID, &a.RunID, &a.StepID, &a.Kind, &a.Blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.StepArtifact{}, storage.NewNotFoundError("artifact", runID+":"+stepID)
		}
		return domain.StepArtifact{}, err
	}
	return a, nil
}

func (s *Store) DeleteArtifactsByRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_step_artifacts WHERE run_id = $1`, runID)
	return err
}
