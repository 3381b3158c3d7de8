package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safetrade/escrow-engine/internal/domain/dispute"
)

// DisputeRepository implements dispute.Repository. Called from a status hook
// it writes through the hook's database transaction.
type DisputeRepository struct {
	pool *pgxpool.Pool
}

func NewDisputeRepository(pool *pgxpool.Pool) *DisputeRepository {
	return &DisputeRepository{pool: pool}
}

const disputeColumns = `id, transaction_id, opened_by, reason, description, status, resolution_note, resolved_by, created_at, resolved_at`

func (r *DisputeRepository) Create(ctx context.Context, d *dispute.Dispute) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO escrow_disputes (id, transaction_id, opened_by, reason, description, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.Description, d.Status, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", dispute.ErrAlreadyOpen, d.TransactionID)
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r *DisputeRepository) GetByID(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE id=$1`, id)
	return scanDispute(row)
}

func (r *DisputeRepository) GetOpenByTransaction(ctx context.Context, transactionID uuid.UUID) (*dispute.Dispute, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes WHERE transaction_id=$1 AND status='open'
	`, transactionID)
	return scanDispute(row)
}

func (r *DisputeRepository) Resolve(ctx context.Context, res dispute.Resolution) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE escrow_disputes
		SET status=$1, resolution_note=$2, resolved_by=$3, resolved_at=$4
		WHERE id=$5 AND status='open'
	`, res.Status, res.Note, res.ResolvedBy, res.ResolvedAt, res.DisputeID)
	if err != nil {
		return false, fmt.Errorf("resolve dispute: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDispute(row pgx.Row) (*dispute.Dispute, error) {
	var d dispute.Dispute
	if err := row.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &d.Description, &d.Status, &d.ResolutionNote, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}
