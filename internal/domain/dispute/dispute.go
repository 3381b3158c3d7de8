package dispute

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Reason is why a party opened a dispute.
type Reason string

const (
	ReasonNotAsDescribed Reason = "not_as_described"
	ReasonNotReceived    Reason = "not_received"
	ReasonDamaged        Reason = "damaged"
	ReasonWrongItem      Reason = "wrong_item"
	ReasonOther          Reason = "other"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonNotAsDescribed, ReasonNotReceived, ReasonDamaged, ReasonWrongItem, ReasonOther:
		return true
	}
	return false
}

// Status represents dispute status.
type Status string

const (
	StatusOpen           Status = "open"
	StatusResolvedBuyer  Status = "resolved_buyer"
	StatusResolvedSeller Status = "resolved_seller"
	StatusClosed         Status = "closed"
)

var (
	ErrNotFound                = errors.New("dispute not found")
	ErrAlreadyOpen             = errors.New("dispute already open for transaction")
	ErrInvalidResolutionStatus = errors.New("invalid dispute resolution status")
	ErrInvalidReason           = errors.New("invalid dispute reason")
)

// resolutions maps each resolution to the terminal transaction status it forces.
var resolutions = map[Status]escrow.Status{
	StatusResolvedBuyer:  escrow.StatusRefunded,
	StatusResolvedSeller: escrow.StatusFundsReleased,
	StatusClosed:         escrow.StatusCancelled,
}

// TransactionTarget returns the transaction status a resolution maps to.
func TransactionTarget(resolution Status) (escrow.Status, error) {
	target, ok := resolutions[resolution]
	if !ok {
		return "", ErrInvalidResolutionStatus
	}
	return target, nil
}

// Dispute is a buyer or seller complaint awaiting admin arbitration.
type Dispute struct {
	ID             uuid.UUID  `json:"id"`
	TransactionID  uuid.UUID  `json:"transactionId"`
	OpenedBy       string     `json:"openedBy"`
	Reason         Reason     `json:"reason"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	ResolutionNote *string    `json:"resolutionNote,omitempty"`
	ResolvedBy     *string    `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// NewDispute creates an open dispute.
func NewDispute(transactionID uuid.UUID, openedBy string, reason Reason, description string, at time.Time) *Dispute {
	return &Dispute{
		ID:            uuid.New(),
		TransactionID: transactionID,
		OpenedBy:      openedBy,
		Reason:        reason,
		Description:   description,
		Status:        StatusOpen,
		CreatedAt:     at,
	}
}

// IsOpen reports whether the dispute still awaits a decision.
func (d *Dispute) IsOpen() bool {
	return d.Status == StatusOpen
}

// Resolution is a recorded admin decision.
type Resolution struct {
	DisputeID  uuid.UUID
	Status     Status
	Note       string
	ResolvedBy string
	ResolvedAt time.Time
}
