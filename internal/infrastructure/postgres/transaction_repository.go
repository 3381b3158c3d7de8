package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// TransactionRepository implements escrow.Repository.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

const transactionColumns = `id, buyer_id, seller_id, amount::text, currency, status, status_changed_at, timeout_deadline, created_at, updated_at`

func (r *TransactionRepository) Create(ctx context.Context, t *escrow.Transaction) error {
	if txFrom(ctx) != nil {
		return r.create(ctx, txFrom(ctx), t)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := r.create(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *TransactionRepository) create(ctx context.Context, tx pgx.Tx, t *escrow.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_transactions (id, buyer_id, seller_id, amount, currency, status, status_changed_at, timeout_deadline, created_at, updated_at)
		VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.BuyerID, t.SellerID, t.Amount.String(), t.Currency, t.Status, t.StatusChangedAt, t.TimeoutDeadline, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow transaction: %w", err)
	}
	for _, h := range t.History {
		if err := insertHistory(ctx, tx, t.ID, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	q := conn(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id=$1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	history, err := loadHistory(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.History = history
	return t, nil
}

// CompareAndSet applies c in one database transaction. The conditional
// update takes the row lock; a competing writer blocks on it and then finds
// the status changed.
func (r *TransactionRepository) CompareAndSet(ctx context.Context, c escrow.Change) (bool, error) {
	if txFrom(ctx) != nil {
		return false, fmt.Errorf("nested status write for %s", c.TransactionID)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions
		SET status=$1, status_changed_at=$2, timeout_deadline=$3, updated_at=$2
		WHERE id=$4 AND status=$5
	`, c.Next, c.ChangedAt, c.Deadline, c.TransactionID, c.Expected)
	if err != nil {
		return false, fmt.Errorf("update escrow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertHistory(ctx, tx, c.TransactionID, c.Entry); err != nil {
		return false, err
	}

	hookCtx := withTx(ctx, tx)
	for _, hook := range c.Hooks {
		if err := hook(hookCtx); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit escrow status: %w", err)
	}
	return true, nil
}

func (r *TransactionRepository) ListOverdue(ctx context.Context, now time.Time, statuses []escrow.Status, after *escrow.OverdueCursor, limit int) ([]*escrow.Transaction, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var (
		afterDeadline *time.Time
		afterID       *uuid.UUID
	)
	if after != nil {
		afterDeadline, afterID = &after.Deadline, &after.ID
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE timeout_deadline IS NOT NULL AND timeout_deadline <= $1 AND status = ANY($2)
		  AND ($3::timestamptz IS NULL OR (timeout_deadline, id) > ($3::timestamptz, $4::uuid))
		ORDER BY timeout_deadline ASC, id ASC
		LIMIT $5
	`, now, names, afterDeadline, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *TransactionRepository) ListForAudit(ctx context.Context, cursor uuid.UUID, limit int) ([]*escrow.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE id > $1
		  AND (status NOT IN ('funds_released', 'refunded', 'cancelled') OR timeout_deadline IS NOT NULL)
		ORDER BY id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *TransactionRepository) RepairDeadline(ctx context.Context, id uuid.UUID, status escrow.Status, changedAt time.Time, deadline *time.Time) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE escrow_transactions
		SET timeout_deadline=$1, updated_at=NOW()
		WHERE id=$2 AND status=$3 AND status_changed_at=$4
	`, deadline, id, status, changedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, h escrow.HistoryEntry) error {
	var metadata []byte
	if len(h.Metadata) > 0 {
		b, err := json.Marshal(h.Metadata)
		if err != nil {
			return err
		}
		metadata = b
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_transaction_history (transaction_id, status, actor_role, actor_id, metadata, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, id, h.Status, h.Actor.Role, h.Actor.ID, metadata, h.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert escrow history: %w", err)
	}
	return nil
}

func loadHistory(ctx context.Context, q querier, id uuid.UUID) ([]escrow.HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT status, actor_role, actor_id, metadata, recorded_at
		FROM escrow_transaction_history
		WHERE transaction_id=$1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.HistoryEntry
	for rows.Next() {
		var h escrow.HistoryEntry
		var metadata []byte
		if err := rows.Scan(&h.Status, &h.Actor.Role, &h.Actor.ID, &metadata, &h.RecordedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &h.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*escrow.Transaction, error) {
	var t escrow.Transaction
	var amount string
	var changedAt *time.Time
	if err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &amount, &t.Currency, &t.Status, &changedAt, &t.TimeoutDeadline, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Amount = d
	if changedAt != nil {
		t.StatusChangedAt = *changedAt
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*escrow.Transaction, error) {
	defer rows.Close()
	var out []*escrow.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
