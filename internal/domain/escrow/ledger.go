package escrow

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerOp is the money movement a transition triggers.
type LedgerOp string

const (
	LedgerNone    LedgerOp = ""
	LedgerHold    LedgerOp = "HOLD"
	LedgerRelease LedgerOp = "RELEASE"
	LedgerRefund  LedgerOp = "REFUND"
)

// LedgerEffect returns the ledger operation required to move from one status
// to another.
func LedgerEffect(from, to Status) LedgerOp {
	switch to {
	case StatusPaymentReceived:
		return LedgerHold
	case StatusFundsReleased:
		return LedgerRelease
	case StatusRefunded:
		return LedgerRefund
	case StatusCancelled:
		if from.FundsHeld() {
			return LedgerRefund
		}
	}
	return LedgerNone
}

// LedgerEntry is one idempotent ledger instruction.
type LedgerEntry struct {
	Key           string          `json:"key"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Op            LedgerOp        `json:"op"`
	Trigger       Status          `json:"trigger"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	RecordedAt    time.Time       `json:"recordedAt"`
}

// LedgerKey is the idempotency key for a ledger call triggered by entering status.
func LedgerKey(transactionID uuid.UUID, status Status) string {
	return transactionID.String() + ":" + string(status)
}

// NewLedgerEntry builds the entry for t entering target.
func NewLedgerEntry(t *Transaction, op LedgerOp, target Status, at time.Time) LedgerEntry {
	return LedgerEntry{
		Key:           LedgerKey(t.ID, target),
		TransactionID: t.ID,
		Op:            op,
		Trigger:       target,
		Amount:        t.Amount,
		Currency:      t.Currency,
		RecordedAt:    at,
	}
}
