package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// LedgerRepository records ledger instructions in escrow_ledger_entries.
// A repeated idempotency key is a no-op. Called from a status hook it joins
// the status write, so the entry commits or rolls back with it.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) Hold(ctx context.Context, entry escrow.LedgerEntry) error {
	return r.record(ctx, escrow.LedgerHold, entry)
}

func (r *LedgerRepository) Release(ctx context.Context, entry escrow.LedgerEntry) error {
	return r.record(ctx, escrow.LedgerRelease, entry)
}

func (r *LedgerRepository) Refund(ctx context.Context, entry escrow.LedgerEntry) error {
	return r.record(ctx, escrow.LedgerRefund, entry)
}

func (r *LedgerRepository) record(ctx context.Context, op escrow.LedgerOp, e escrow.LedgerEntry) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO escrow_ledger_entries (idempotency_key, transaction_id, op, trigger_status, amount, currency, recorded_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6,$7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.Key, e.TransactionID, op, e.Trigger, e.Amount.String(), e.Currency, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("record ledger %s: %w", op, err)
	}
	return nil
}

// ListByTransaction returns the entries recorded for a transaction.
func (r *LedgerRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]escrow.LedgerEntry, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT idempotency_key, transaction_id, op, trigger_status, amount::text, currency, recorded_at
		FROM escrow_ledger_entries
		WHERE transaction_id=$1
		ORDER BY recorded_at ASC, idempotency_key ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.LedgerEntry
	for rows.Next() {
		var e escrow.LedgerEntry
		var amount string
		if err := rows.Scan(&e.Key, &e.TransactionID, &e.Op, &e.Trigger, &amount, &e.Currency, &e.RecordedAt); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		e.Amount = d
		out = append(out, e)
	}
	return out, rows.Err()
}
