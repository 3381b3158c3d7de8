package escrow

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,Ledger,JobQueue,Notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Hook runs inside a status write, after the conditional update matched and
// before commit. A non-nil error aborts the write.
type Hook func(ctx context.Context) error

// Change is a conditional status write.
type Change struct {
	TransactionID uuid.UUID
	Expected      Status
	Next          Status
	ChangedAt     time.Time
	Deadline      *time.Time
	Entry         HistoryEntry
	Hooks         []Hook
}

// OverdueCursor is the position of the last overdue row a caller has seen.
type OverdueCursor struct {
	Deadline time.Time
	ID       uuid.UUID
}

// CursorAfter returns the cursor positioned on t. t must carry a deadline.
func CursorAfter(t *Transaction) *OverdueCursor {
	return &OverdueCursor{Deadline: *t.TimeoutDeadline, ID: t.ID}
}

// Repository defines escrow transaction persistence.
type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// CompareAndSet applies c only if the stored status equals c.Expected.
	// It returns false when the status no longer matches.
	CompareAndSet(ctx context.Context, c Change) (bool, error)
	// ListOverdue returns rows in statuses whose deadline is at or before now,
	// ordered by (deadline, id) and strictly after the cursor when one is given.
	ListOverdue(ctx context.Context, now time.Time, statuses []Status, after *OverdueCursor, limit int) ([]*Transaction, error)
	// ListForAudit pages through non-terminal rows and rows carrying a deadline,
	// ordered by id, strictly after cursor.
	ListForAudit(ctx context.Context, cursor uuid.UUID, limit int) ([]*Transaction, error)
	// RepairDeadline overwrites the deadline only while status and
	// status_changed_at still match what the caller inspected.
	RepairDeadline(ctx context.Context, id uuid.UUID, status Status, changedAt time.Time, deadline *time.Time) (bool, error)
}

// Ledger moves escrowed funds. Every call is idempotent on entry.Key.
type Ledger interface {
	Hold(ctx context.Context, entry LedgerEntry) error
	Release(ctx context.Context, entry LedgerEntry) error
	Refund(ctx context.Context, entry LedgerEntry) error
}

// JobQueue is a delayed-delivery queue with at-least-once semantics.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Ack(ctx context.Context, job Job) error
}

// Event describes a committed status change.
type Event struct {
	TransactionID uuid.UUID `json:"transactionId"`
	BuyerID       string    `json:"buyerId"`
	SellerID      string    `json:"sellerId"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Actor         Actor     `json:"actor"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Notifier delivers status events. Delivery is never awaited by a transition.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
