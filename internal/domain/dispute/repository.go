package dispute

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines dispute persistence. Writes issued from inside a
// transaction hook join the surrounding status write.
type Repository interface {
	// Create fails with ErrAlreadyOpen when the transaction has an open dispute.
	Create(ctx context.Context, d *Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dispute, error)
	GetOpenByTransaction(ctx context.Context, transactionID uuid.UUID) (*Dispute, error)
	// Resolve closes an open dispute. It returns false if it was not open.
	Resolve(ctx context.Context, r Resolution) (bool, error)
}
