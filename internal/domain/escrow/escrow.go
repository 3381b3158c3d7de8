package escrow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents escrow transaction status.
type Status string

const (
	StatusInitiated       Status = "initiated"
	StatusPaymentReceived Status = "payment_received"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusInspection      Status = "inspection"
	StatusCompleted       Status = "completed"
	StatusFundsReleased   Status = "funds_released"
	StatusDisputed        Status = "disputed"
	StatusRefunded        Status = "refunded"
	StatusCancelled       Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusInitiated,
	StatusPaymentReceived,
	StatusShipped,
	StatusDelivered,
	StatusInspection,
	StatusCompleted,
	StatusFundsReleased,
	StatusDisputed,
	StatusRefunded,
	StatusCancelled,
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// FundsHeld reports whether the escrow holds buyer funds while in s.
func (s Status) FundsHeld() bool {
	switch s {
	case StatusPaymentReceived, StatusShipped, StatusDelivered, StatusInspection, StatusCompleted, StatusDisputed:
		return true
	}
	return false
}

// Role identifies who requests a transition.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
	RoleAdmin  Role = "ADMIN"
	RoleSystem Role = "SYSTEM"
)

// Actor is the party requesting a transition.
type Actor struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// SystemActor is used by the timeout machinery.
var SystemActor = Actor{Role: RoleSystem, ID: "system"}

func (a Actor) String() string {
	return string(a.Role) + ":" + a.ID
}

// HistoryEntry is one row of the ordered status log.
type HistoryEntry struct {
	Status     Status            `json:"status"`
	Actor      Actor             `json:"actor"`
	RecordedAt time.Time         `json:"recordedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Transaction is an escrow transaction between a buyer and a seller.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	StatusChangedAt time.Time       `json:"statusChangedAt"`
	TimeoutDeadline *time.Time      `json:"timeoutDeadline,omitempty"`
	History         []HistoryEntry  `json:"history"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsParty reports whether actor is the buyer or seller it claims to be.
func (t *Transaction) IsParty(actor Actor) bool {
	switch actor.Role {
	case RoleBuyer:
		return actor.ID != "" && actor.ID == t.BuyerID
	case RoleSeller:
		return actor.ID != "" && actor.ID == t.SellerID
	}
	return false
}

// Clone returns a deep copy safe to hand out from shared storage.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.TimeoutDeadline != nil {
		d := *t.TimeoutDeadline
		c.TimeoutDeadline = &d
	}
	c.History = make([]HistoryEntry, len(t.History))
	for i, h := range t.History {
		c.History[i] = h
		if h.Metadata != nil {
			c.History[i].Metadata = make(map[string]string, len(h.Metadata))
			for k, v := range h.Metadata {
				c.History[i].Metadata[k] = v
			}
		}
	}
	return &c
}

// View is the read projection exposed to the API layer.
type View struct {
	ID              uuid.UUID      `json:"id"`
	Status          Status         `json:"status"`
	StatusChangedAt time.Time      `json:"statusChangedAt"`
	TimeoutDeadline *time.Time     `json:"timeoutDeadline,omitempty"`
	TimeRemaining   *Duration      `json:"timeRemaining,omitempty"`
	IsTerminal      bool           `json:"isTerminal"`
	History         []HistoryEntry `json:"history"`
}

// Duration marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// NewView projects t as seen at now.
func NewView(t *Transaction, now time.Time) View {
	v := View{
		ID:              t.ID,
		Status:          t.Status,
		StatusChangedAt: t.StatusChangedAt,
		TimeoutDeadline: t.TimeoutDeadline,
		IsTerminal:      IsTerminal(t.Status),
		History:         t.History,
	}
	if t.TimeoutDeadline != nil {
		remaining := t.TimeoutDeadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		d := Duration(remaining)
		v.TimeRemaining = &d
	}
	return v
}
