//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/safetrade/escrow-engine/internal/application/consistency"
	appDispute "github.com/safetrade/escrow-engine/internal/application/dispute"
	appEscrow "github.com/safetrade/escrow-engine/internal/application/escrow"
	"github.com/safetrade/escrow-engine/internal/application/expiration"
	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/infrastructure/memory"
	"github.com/safetrade/escrow-engine/internal/infrastructure/postgres"
)

var (
	buyer  = escrow.Actor{Role: escrow.RoleBuyer, ID: "buyer-1"}
	seller = escrow.Actor{Role: escrow.RoleSeller, ID: "seller-1"}
	admin  = escrow.Actor{Role: escrow.RoleAdmin, ID: "ops-1"}
)

type harness struct {
	pool      *pgxpool.Pool
	repo      *postgres.TransactionRepository
	ledger    *postgres.LedgerRepository
	disputes  *postgres.DisputeRepository
	queue     *memory.Queue
	scheduler *appEscrow.Scheduler
	svc       *appEscrow.Service
	manager   *appDispute.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, testDatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.RunMigrations(ctx, pool, filepath.Join(repoRoot(t), "internal", "migrations")))
	require.NoError(t, resetDatabase(ctx, pool))

	h := &harness{
		pool:     pool,
		repo:     postgres.NewTransactionRepository(pool),
		ledger:   postgres.NewLedgerRepository(pool),
		disputes: postgres.NewDisputeRepository(pool),
		queue:    memory.NewQueue(),
	}
	h.scheduler = appEscrow.NewScheduler(escrow.DefaultTimeouts(), h.queue, zerolog.Nop())
	h.svc = appEscrow.NewService(h.repo, h.ledger, h.scheduler, zerolog.Nop())
	elig, err := appDispute.NewEligibility(appDispute.DefaultEligibility)
	require.NoError(t, err)
	h.manager = appDispute.NewManager(h.disputes, h.svc, elig, zerolog.Nop())
	return h
}

func (h *harness) open(t *testing.T) *escrow.Transaction {
	t.Helper()
	tx, err := h.svc.Open(context.Background(), appEscrow.NewTransaction{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   decimal.RequireFromString("249.99"),
		Currency: "USD",
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) advance(t *testing.T, tx *escrow.Transaction, to escrow.Status) *escrow.Transaction {
	t.Helper()
	steps := []struct {
		actor    escrow.Actor
		from, to escrow.Status
		md       map[string]string
	}{
		{seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil},
		{seller, escrow.StatusPaymentReceived, escrow.StatusShipped, map[string]string{"tracking_number": "TRK-1", "shipping_carrier": "FedEx"}},
		{buyer, escrow.StatusShipped, escrow.StatusDelivered, nil},
		{buyer, escrow.StatusDelivered, escrow.StatusInspection, nil},
	}
	var err error
	for _, s := range steps {
		if tx.Status == to {
			break
		}
		tx, err = h.svc.ApplyTransition(context.Background(), tx.ID, s.actor, s.to, s.from, s.md)
		require.NoError(t, err)
	}
	require.Equal(t, to, tx.Status)
	return tx
}

func (h *harness) ledgerOps(t *testing.T, tx *escrow.Transaction) []escrow.LedgerOp {
	t.Helper()
	entries, err := h.ledger.ListByTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	ops := make([]escrow.LedgerOp, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	return ops
}

func TestLifecyclePersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.advance(t, h.open(t), escrow.StatusInspection)

	tx, err := h.svc.ApplyTransition(ctx, tx.ID, buyer, escrow.StatusCompleted, escrow.StatusInspection, nil)
	require.NoError(t, err)
	tx, err = h.svc.ApplyTransition(ctx, tx.ID, seller, escrow.StatusFundsReleased, escrow.StatusCompleted, nil)
	require.NoError(t, err)

	got, err := h.repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFundsReleased, got.Status)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("249.99")))
	assert.Nil(t, got.TimeoutDeadline)
	require.Len(t, got.History, 7)
	assert.Equal(t, "TRK-1", got.History[2].Metadata["tracking_number"])
	assert.Equal(t, []escrow.LedgerOp{escrow.LedgerHold, escrow.LedgerRelease}, h.ledgerOps(t, tx))
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		stales int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ApplyTransition(context.Background(), tx.ID, seller, escrow.StatusPaymentReceived, escrow.StatusInitiated, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, escrow.ErrStaleState):
				stales++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, stales)
	assert.Equal(t, []escrow.LedgerOp{escrow.LedgerHold}, h.ledgerOps(t, tx))

	got, err := h.repo.GetByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
}

func TestHookFailureRollsBackStatusAndLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.open(t)

	boom := errors.New("boom")
	_, err := h.svc.Apply(ctx, appEscrow.Request{
		TransactionID: tx.ID,
		Actor:         seller,
		Target:        escrow.StatusPaymentReceived,
		Expected:      escrow.StatusInitiated,
		Companion:     func(context.Context) error { return boom },
	})
	require.ErrorIs(t, err, boom)

	got, err := h.repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusInitiated, got.Status)
	assert.Len(t, got.History, 1)
	assert.Empty(t, h.ledgerOps(t, tx))
}

func TestDisputeAtomicAndResolvedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.advance(t, h.open(t), escrow.StatusInspection)

	d, err := h.manager.CreateDispute(ctx, tx.ID, buyer, dispute.ReasonDamaged, "box crushed")
	require.NoError(t, err)

	open, err := h.disputes.GetOpenByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, d.ID, open.ID)

	dup := dispute.NewDispute(tx.ID, seller.ID, dispute.ReasonOther, "", time.Now().UTC())
	assert.ErrorIs(t, h.disputes.Create(ctx, dup), dispute.ErrAlreadyOpen)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.ResolveDispute(ctx, d.ID, admin, dispute.StatusResolvedBuyer, "refund approved")
		}(i)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, escrow.ErrAlreadyTerminal)
	}
	assert.Equal(t, 1, succeeded)

	got, err := h.repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)
	assert.Equal(t, []escrow.LedgerOp{escrow.LedgerHold, escrow.LedgerRefund}, h.ledgerOps(t, tx))

	resolved, err := h.disputes.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolvedBuyer, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, admin.ID, *resolved.ResolvedBy)
}

func TestLedgerIdempotentOnKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.open(t)

	entry := escrow.NewLedgerEntry(tx, escrow.LedgerHold, escrow.StatusPaymentReceived, time.Now().UTC())
	require.NoError(t, h.ledger.Hold(ctx, entry))
	require.NoError(t, h.ledger.Hold(ctx, entry))
	assert.Equal(t, []escrow.LedgerOp{escrow.LedgerHold}, h.ledgerOps(t, tx))
}

func TestSweepExpiresOverdue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.advance(t, h.open(t), escrow.StatusPaymentReceived)

	_, err := h.pool.Exec(ctx, `UPDATE escrow_transactions SET timeout_deadline=NOW() - INTERVAL '1 minute' WHERE id=$1`, tx.ID)
	require.NoError(t, err)

	worker := expiration.NewWorker(h.repo, h.svc, h.queue, h.scheduler.Timeouts(), zerolog.Nop())
	res, err := worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Advanced)

	got, err := h.repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, got.Status)
	assert.Equal(t, escrow.RoleSystem, got.History[len(got.History)-1].Actor.Role)
	assert.Equal(t, []escrow.LedgerOp{escrow.LedgerHold, escrow.LedgerRefund}, h.ledgerOps(t, tx))
}

func TestListOverduePagesByDeadlineAndID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tx := h.advance(t, h.open(t), escrow.StatusPaymentReceived)
		ids = append(ids, tx.ID)
	}
	// two rows share a deadline, so the id breaks the tie
	_, err := h.pool.Exec(ctx, `UPDATE escrow_transactions SET timeout_deadline='2026-01-01T00:00:00Z' WHERE id = ANY($1::uuid[])`, ids[:2])
	require.NoError(t, err)
	_, err = h.pool.Exec(ctx, `UPDATE escrow_transactions SET timeout_deadline='2026-01-02T00:00:00Z' WHERE id=$1`, ids[2])
	require.NoError(t, err)

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	statuses := []escrow.Status{escrow.StatusPaymentReceived}
	first, err := h.repo.ListOverdue(ctx, now, statuses, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.ElementsMatch(t, ids[:2], []uuid.UUID{first[0].ID, first[1].ID})
	assert.Negative(t, bytes.Compare(first[0].ID[:], first[1].ID[:]))

	rest, err := h.repo.ListOverdue(ctx, now, statuses, escrow.CursorAfter(first[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].ID)
}

func TestValidatorRepairsMissingDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.advance(t, h.open(t), escrow.StatusInspection)

	_, err := h.pool.Exec(ctx, `UPDATE escrow_transactions SET timeout_deadline=NULL WHERE id=$1`, tx.ID)
	require.NoError(t, err)

	v := consistency.NewValidator(h.repo, h.scheduler, zerolog.Nop())
	rep, err := v.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Repaired)
	assert.True(t, rep.Healthy())

	got, err := h.repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TimeoutDeadline)
	assert.True(t, got.TimeoutDeadline.Equal(got.StatusChangedAt.Add(72*time.Hour)))
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	ctx := context.Background()
	pgC, err := tcpostgres.Run(ctx,
		"postgres:16",
		tcpostgres.WithDatabase("escrow_test"),
		tcpostgres.WithUsername("escrow"),
		tcpostgres.WithPassword("escrow"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pgC)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			escrow_ledger_entries,
			escrow_disputes,
			escrow_transaction_history,
			escrow_transactions
		RESTART IDENTITY CASCADE
	`)
	return err
}
