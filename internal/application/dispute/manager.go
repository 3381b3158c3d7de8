package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appEscrow "github.com/safetrade/escrow-engine/internal/application/escrow"
	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Manager opens and resolves disputes through the transaction state machine.
type Manager struct {
	repo        dispute.Repository
	machine     *appEscrow.Service
	eligibility *Eligibility
	logger      zerolog.Logger
}

func NewManager(repo dispute.Repository, machine *appEscrow.Service, eligibility *Eligibility, logger zerolog.Logger) *Manager {
	if eligibility == nil {
		eligibility, _ = NewEligibility(DefaultEligibility)
	}
	return &Manager{
		repo:        repo,
		machine:     machine,
		eligibility: eligibility,
		logger:      logger.With().Str("service", "dispute").Logger(),
	}
}

// CreateDispute opens a dispute and moves the transaction to disputed in the
// same write.
func (m *Manager) CreateDispute(ctx context.Context, transactionID uuid.UUID, requester escrow.Actor, reason dispute.Reason, description string) (*dispute.Dispute, error) {
	t, err := m.machine.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(requester) {
		return nil, fmt.Errorf("%w: %s is not a party to %s", escrow.ErrUnauthorized, requester, t.ID)
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", dispute.ErrInvalidReason, reason)
	}
	open, err := m.repo.GetOpenByTransaction(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: %s", dispute.ErrAlreadyOpen, open.ID)
	}

	now := m.machine.Now()
	ok, err := m.eligibility.Eligible(t, requester, now)
	if err != nil {
		return nil, fmt.Errorf("evaluate dispute eligibility: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not eligible for a dispute", escrow.ErrInvalidTransition, t.Status)
	}

	d := dispute.NewDispute(t.ID, requester.ID, reason, description, now)
	_, err = m.machine.Apply(ctx, appEscrow.Request{
		TransactionID: t.ID,
		Actor:         requester,
		Target:        escrow.StatusDisputed,
		Expected:      t.Status,
		Route:         appEscrow.RouteDispute,
		Metadata: map[string]string{
			"dispute_id": d.ID.String(),
			"reason":     string(reason),
		},
		Companion: func(ctx context.Context) error {
			return m.repo.Create(ctx, d)
		},
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("dispute_id", d.ID.String()).
		Str("transaction_id", t.ID.String()).
		Str("opened_by", requester.String()).
		Str("reason", string(reason)).
		Msg("dispute opened")
	return d, nil
}

// ResolveDispute records an admin decision and moves the transaction to the
// matching terminal status, with its ledger effect, in one write.
func (m *Manager) ResolveDispute(ctx context.Context, disputeID uuid.UUID, admin escrow.Actor, resolution dispute.Status, note string) (*dispute.Dispute, error) {
	if admin.Role != escrow.RoleAdmin || admin.ID == "" {
		return nil, fmt.Errorf("%w: %s may not resolve disputes", escrow.ErrUnauthorized, admin)
	}
	target, err := dispute.TransactionTarget(resolution)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, resolution)
	}
	d, err := m.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute %s is %s", escrow.ErrAlreadyTerminal, d.ID, d.Status)
	}

	res := dispute.Resolution{
		DisputeID:  d.ID,
		Status:     resolution,
		Note:       note,
		ResolvedBy: admin.ID,
		ResolvedAt: m.machine.Now(),
	}
	_, err = m.machine.Apply(ctx, appEscrow.Request{
		TransactionID: d.TransactionID,
		Actor:         admin,
		Target:        target,
		Expected:      escrow.StatusDisputed,
		Route:         appEscrow.RouteDispute,
		Metadata: map[string]string{
			"dispute_id": d.ID.String(),
			"resolution": string(resolution),
		},
		Companion: func(ctx context.Context) error {
			ok, err := m.repo.Resolve(ctx, res)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: dispute %s already resolved", escrow.ErrAlreadyTerminal, d.ID)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, escrow.ErrStaleState) {
			if cur, getErr := m.repo.GetByID(ctx, d.ID); getErr == nil && cur != nil && !cur.IsOpen() {
				return nil, fmt.Errorf("%w: dispute %s resolved concurrently", escrow.ErrAlreadyTerminal, d.ID)
			}
		}
		return nil, err
	}

	d.Status = res.Status
	d.ResolutionNote = &res.Note
	d.ResolvedBy = &res.ResolvedBy
	d.ResolvedAt = &res.ResolvedAt

	m.logger.Info().
		Str("dispute_id", d.ID.String()).
		Str("transaction_id", d.TransactionID.String()).
		Str("resolution", string(resolution)).
		Str("resolved_by", admin.ID).
		Msg("dispute resolved")
	return d, nil
}

// GetDispute loads a dispute by id.
func (m *Manager) GetDispute(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	d, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", dispute.ErrNotFound, id)
	}
	return d, nil
}

// OpenDisputeFor returns the open dispute of a transaction, or nil.
func (m *Manager) OpenDisputeFor(ctx context.Context, transactionID uuid.UUID) (*dispute.Dispute, error) {
	return m.repo.GetOpenByTransaction(ctx, transactionID)
}
