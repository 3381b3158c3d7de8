package dispute

import (
	"errors"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// DefaultEligibility allows disputes only during buyer inspection.
const DefaultEligibility = "status == 'inspection'"

// Eligibility decides whether a transaction may enter a dispute. The rule is
// a govaluate expression over status, role, amount, currency and
// hours_in_status.
type Eligibility struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewEligibility compiles rule. An empty rule uses DefaultEligibility.
func NewEligibility(rule string) (*Eligibility, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		rule = DefaultEligibility
	}
	expr, err := govaluate.NewEvaluableExpression(rule)
	if err != nil {
		return nil, err
	}
	return &Eligibility{source: rule, expr: expr}, nil
}

func (e *Eligibility) String() string {
	return e.source
}

// Eligible evaluates the rule for t as requested by actor at now. Terminal
// and already disputed transactions are never eligible.
func (e *Eligibility) Eligible(t *escrow.Transaction, actor escrow.Actor, now time.Time) (bool, error) {
	if escrow.IsTerminal(t.Status) || t.Status == escrow.StatusDisputed {
		return false, nil
	}
	amount, _ := t.Amount.Float64()
	params := map[string]interface{}{
		"status":          string(t.Status),
		"role":            string(actor.Role),
		"amount":          amount,
		"currency":        t.Currency,
		"hours_in_status": now.Sub(t.StatusChangedAt).Hours(),
	}
	result, err := e.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("eligibility rule did not evaluate to boolean")
	}
	return v, nil
}
