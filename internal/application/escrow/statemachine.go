package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/metrics"
)

// Route tells the state machine which workflow a request belongs to.
type Route int

const (
	// RouteDirect is a plain party or system request.
	RouteDirect Route = iota
	// RouteDispute is used by the dispute manager to enter and leave disputed.
	RouteDispute
)

// Request is a single transition request.
type Request struct {
	TransactionID uuid.UUID
	Actor         escrow.Actor
	Target        escrow.Status
	Expected      escrow.Status
	Metadata      map[string]string
	Route         Route
	// Companion runs inside the status write before the ledger call.
	Companion escrow.Hook
}

// NewTransaction is the input for opening an escrow.
type NewTransaction struct {
	BuyerID  string          `json:"buyerId"`
	SellerID string          `json:"sellerId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// shipping fields required when a seller marks an order shipped
var shippingMetadata = []string{"tracking_number", "shipping_carrier"}

// Service is the transaction state machine.
type Service struct {
	repo      escrow.Repository
	ledger    escrow.Ledger
	scheduler *Scheduler
	notifier  escrow.Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n escrow.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the state machine.
func NewService(repo escrow.Repository, ledger escrow.Ledger, scheduler *Scheduler, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		ledger:    ledger,
		scheduler: scheduler,
		now:       time.Now,
		logger:    logger.With().Str("service", "escrow").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock in UTC at the precision postgres stores.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Timeouts returns the active timeout table.
func (s *Service) Timeouts() escrow.TimeoutTable {
	return s.scheduler.Timeouts()
}

// Open creates a transaction in initiated.
func (s *Service) Open(ctx context.Context, in NewTransaction) (*escrow.Transaction, error) {
	if in.BuyerID == "" || in.SellerID == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", escrow.ErrInvalidInput)
	}
	if in.BuyerID == in.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", escrow.ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", escrow.ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", escrow.ErrInvalidInput)
	}

	now := s.Now()
	t := &escrow.Transaction{
		ID:              uuid.New(),
		BuyerID:         in.BuyerID,
		SellerID:        in.SellerID,
		Amount:          in.Amount,
		Currency:        currency,
		Status:          escrow.StatusInitiated,
		StatusChangedAt: now,
		TimeoutDeadline: s.scheduler.Deadline(escrow.StatusInitiated, now),
		History: []escrow.HistoryEntry{{
			Status:     escrow.StatusInitiated,
			Actor:      escrow.Actor{Role: escrow.RoleBuyer, ID: in.BuyerID},
			RecordedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	if err := s.scheduler.Schedule(ctx, t); err != nil {
		s.logger.Warn().Err(err).Str("transaction_id", t.ID.String()).Msg("failed to schedule timeout job")
	}
	s.logger.Info().
		Str("transaction_id", t.ID.String()).
		Str("buyer_id", t.BuyerID).
		Str("seller_id", t.SellerID).
		Str("amount", t.Amount.String()).
		Str("currency", t.Currency).
		Msg("escrow transaction opened")
	return t, nil
}

// Get loads a transaction without an authorization check.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", escrow.ErrTransactionNotFound, id)
	}
	return t, nil
}

// View returns the read projection of a transaction the actor takes part in.
func (s *Service) View(ctx context.Context, id uuid.UUID, actor escrow.Actor) (escrow.View, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return escrow.View{}, err
	}
	if err := authorize(t, actor); err != nil {
		return escrow.View{}, err
	}
	return escrow.NewView(t, s.Now()), nil
}

// AvailableActions lists the statuses actor may request from the current one.
func (s *Service) AvailableActions(ctx context.Context, id uuid.UUID, actor escrow.Actor) ([]escrow.Status, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, actor); err != nil {
		return nil, err
	}
	if actor.Role == escrow.RoleSystem {
		if r, ok := s.Timeouts().Rule(t.Status); ok {
			return []escrow.Status{r.Target}, nil
		}
		return []escrow.Status{}, nil
	}
	return escrow.Allowed(actor.Role, t.Status), nil
}

// ApplyTransition moves a transaction from expected to target on behalf of actor.
func (s *Service) ApplyTransition(ctx context.Context, id uuid.UUID, actor escrow.Actor, target, expected escrow.Status, metadata map[string]string) (*escrow.Transaction, error) {
	return s.Apply(ctx, Request{
		TransactionID: id,
		Actor:         actor,
		Target:        target,
		Expected:      expected,
		Metadata:      metadata,
	})
}

// Apply validates req and commits it with a single compare-and-set write.
// Ledger effects and the companion hook run inside that write.
func (s *Service) Apply(ctx context.Context, req Request) (*escrow.Transaction, error) {
	t, err := s.apply(ctx, req)
	if err != nil {
		s.metrics.Rejected(rejectReason(err))
		return nil, err
	}
	return t, nil
}

func (s *Service) apply(ctx context.Context, req Request) (*escrow.Transaction, error) {
	t, err := s.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := authorize(t, req.Actor); err != nil {
		return nil, err
	}
	if escrow.IsTerminal(req.Expected) || escrow.IsTerminal(t.Status) {
		return nil, fmt.Errorf("%w: %s is %s", escrow.ErrAlreadyTerminal, t.ID, t.Status)
	}
	if err := s.permitted(req); err != nil {
		return nil, err
	}
	if err := checkMetadata(req.Target, req.Metadata); err != nil {
		return nil, err
	}
	if t.Status != req.Expected {
		return nil, fmt.Errorf("%w: expected %s, found %s", escrow.ErrStaleState, req.Expected, t.Status)
	}

	now := s.Now()
	deadline := s.scheduler.Deadline(req.Target, now)
	entry := escrow.HistoryEntry{
		Status:     req.Target,
		Actor:      req.Actor,
		RecordedAt: now,
		Metadata:   copyMetadata(req.Metadata),
	}

	var hooks []escrow.Hook
	if req.Companion != nil {
		hooks = append(hooks, req.Companion)
	}
	op := escrow.LedgerEffect(req.Expected, req.Target)
	if op != escrow.LedgerNone {
		ledgerEntry := escrow.NewLedgerEntry(t, op, req.Target, now)
		hooks = append(hooks, func(ctx context.Context) error {
			if err := s.callLedger(ctx, ledgerEntry); err != nil {
				return fmt.Errorf("%w: %s %s: %v", escrow.ErrPreconditionFailed, op, ledgerEntry.Key, err)
			}
			return nil
		})
	}

	ok, err := s.repo.CompareAndSet(ctx, escrow.Change{
		TransactionID: t.ID,
		Expected:      req.Expected,
		Next:          req.Target,
		ChangedAt:     now,
		Deadline:      deadline,
		Entry:         entry,
		Hooks:         hooks,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s no longer %s", escrow.ErrStaleState, t.ID, req.Expected)
	}

	t.Status = req.Target
	t.StatusChangedAt = now
	t.TimeoutDeadline = deadline
	t.UpdatedAt = now
	t.History = append(t.History, entry)

	s.afterCommit(ctx, t, req, op)
	return t, nil
}

func (s *Service) permitted(req Request) error {
	invalid := func() error {
		return fmt.Errorf("%w: %s may not move %s to %s", escrow.ErrInvalidTransition, req.Actor.Role, req.Expected, req.Target)
	}
	if !req.Target.Valid() {
		return invalid()
	}
	touchesDispute := req.Target == escrow.StatusDisputed || req.Expected == escrow.StatusDisputed
	if touchesDispute && req.Route != RouteDispute {
		return invalid()
	}

	switch req.Actor.Role {
	case escrow.RoleSystem:
		r, ok := s.Timeouts().Rule(req.Expected)
		if !ok || r.Target != req.Target {
			return invalid()
		}
		return nil
	case escrow.RoleBuyer, escrow.RoleSeller:
		// Either party may raise a dispute once the dispute manager has
		// checked eligibility.
		if req.Route == RouteDispute && req.Target == escrow.StatusDisputed {
			return nil
		}
	}
	if !escrow.Permits(req.Actor.Role, req.Expected, req.Target) {
		return invalid()
	}
	return nil
}

func (s *Service) callLedger(ctx context.Context, entry escrow.LedgerEntry) error {
	switch entry.Op {
	case escrow.LedgerHold:
		return s.ledger.Hold(ctx, entry)
	case escrow.LedgerRelease:
		return s.ledger.Release(ctx, entry)
	case escrow.LedgerRefund:
		return s.ledger.Refund(ctx, entry)
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, t *escrow.Transaction, req Request, op escrow.LedgerOp) {
	s.logger.Info().
		Str("transaction_id", t.ID.String()).
		Str("from", string(req.Expected)).
		Str("to", string(req.Target)).
		Str("actor", req.Actor.String()).
		Msg("escrow status changed")

	s.metrics.Transition(string(req.Expected), string(req.Target), string(req.Actor.Role))
	if op != escrow.LedgerNone {
		s.metrics.LedgerOp(string(op))
	}

	if err := s.scheduler.Schedule(ctx, t); err != nil {
		s.logger.Warn().Err(err).
			Str("transaction_id", t.ID.String()).
			Msg("failed to schedule timeout job; sweep will pick it up")
	}

	if s.notifier == nil {
		return
	}
	event := escrow.Event{
		TransactionID: t.ID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		From:          req.Expected,
		To:            req.Target,
		Actor:         req.Actor,
		OccurredAt:    t.StatusChangedAt,
	}
	go func() {
		if err := s.notifier.Notify(context.Background(), event); err != nil {
			s.logger.Error().Err(err).
				Str("transaction_id", event.TransactionID.String()).
				Str("to", string(event.To)).
				Msg("failed to notify status change")
		}
	}()
}

func authorize(t *escrow.Transaction, actor escrow.Actor) error {
	switch actor.Role {
	case escrow.RoleBuyer, escrow.RoleSeller:
		if t.IsParty(actor) {
			return nil
		}
	case escrow.RoleAdmin:
		if actor.ID != "" {
			return nil
		}
	case escrow.RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: %s on %s", escrow.ErrUnauthorized, actor, t.ID)
}

func checkMetadata(target escrow.Status, metadata map[string]string) error {
	if target != escrow.StatusShipped {
		return nil
	}
	for _, key := range shippingMetadata {
		if strings.TrimSpace(metadata[key]) == "" {
			return fmt.Errorf("%w: %s requires %s", escrow.ErrInvalidTransition, target, key)
		}
	}
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, escrow.ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, escrow.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, escrow.ErrStaleState):
		return "stale_state"
	case errors.Is(err, escrow.ErrPreconditionFailed):
		return "precondition_failed"
	}
	return "error"
}
