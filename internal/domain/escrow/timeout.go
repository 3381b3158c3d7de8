package escrow

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// TimeoutRule is the maximum dwell time in a status and where the system moves
// the transaction once it elapses.
type TimeoutRule struct {
	After  time.Duration `json:"after"`
	Target Status        `json:"target"`
}

// TimeoutTable maps SLA-bearing statuses to their rule. Statuses without an
// entry, or with a non-positive duration, carry no deadline.
type TimeoutTable map[Status]TimeoutRule

// DefaultTimeouts returns the stock SLA configuration.
func DefaultTimeouts() TimeoutTable {
	return TimeoutTable{
		StatusPaymentReceived: {After: 48 * time.Hour, Target: StatusCancelled},
		StatusInspection:      {After: 72 * time.Hour, Target: StatusCompleted},
	}
}

// Rule returns the active rule for s.
func (t TimeoutTable) Rule(s Status) (TimeoutRule, bool) {
	r, ok := t[s]
	if !ok || r.After <= 0 || IsTerminal(s) {
		return TimeoutRule{}, false
	}
	return r, true
}

// HasSLA reports whether s carries a deadline.
func (t TimeoutTable) HasSLA(s Status) bool {
	_, ok := t.Rule(s)
	return ok
}

// Deadline computes the deadline for a transaction entering s at changedAt.
func (t TimeoutTable) Deadline(s Status, changedAt time.Time) *time.Time {
	r, ok := t.Rule(s)
	if !ok {
		return nil
	}
	d := changedAt.Add(r.After)
	return &d
}

// SLAStatuses lists statuses with an active rule, in a stable order.
func (t TimeoutTable) SLAStatuses() []Status {
	out := make([]Status, 0, len(t))
	for s := range t {
		if t.HasSLA(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Job is a delayed-delivery descriptor. Firing it is level-triggered: the
// consumer re-checks ExpectedStatus against the stored status before acting.
type Job struct {
	TransactionID  uuid.UUID `json:"transactionId"`
	ExpectedStatus Status    `json:"expectedStatus"`
	FireAt         time.Time `json:"fireAt"`
}
