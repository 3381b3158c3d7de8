package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/domain/escrow/mocks"
	"github.com/safetrade/escrow-engine/internal/infrastructure/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	events chan escrow.Event
	err    error
}

func newRecordingNotifier(err error) *recordingNotifier {
	return &recordingNotifier{events: make(chan escrow.Event, 16), err: err}
}

func (n *recordingNotifier) Notify(ctx context.Context, e escrow.Event) error {
	n.events <- e
	return n.err
}

type harness struct {
	svc    *Service
	store  *memory.Store
	ledger *memory.Ledger
	queue  *memory.Queue
	clock  *testClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		ledger: memory.NewLedger(),
		queue:  memory.NewQueue(),
		clock:  newTestClock(),
	}
	sched := NewScheduler(escrow.DefaultTimeouts(), h.queue, zerolog.Nop())
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.svc = NewService(h.store, h.ledger, sched, zerolog.Nop(), opts...)
	return h
}

var (
	buyer  = escrow.Actor{Role: escrow.RoleBuyer, ID: "buyer-1"}
	seller = escrow.Actor{Role: escrow.RoleSeller, ID: "seller-1"}
	admin  = escrow.Actor{Role: escrow.RoleAdmin, ID: "admin-1"}
)

var tracking = map[string]string{"tracking_number": "1Z999", "shipping_carrier": "UPS"}

func (h *harness) open(t *testing.T) *escrow.Transaction {
	t.Helper()
	tx, err := h.svc.Open(context.Background(), NewTransaction{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Amount:   decimal.RequireFromString("250.00"),
		Currency: "usd",
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) move(t *testing.T, id uuid.UUID, actor escrow.Actor, from, to escrow.Status, md map[string]string) *escrow.Transaction {
	t.Helper()
	tx, err := h.svc.ApplyTransition(context.Background(), id, actor, to, from, md)
	require.NoError(t, err)
	return tx
}

func TestService_Open(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)

	assert.Equal(t, escrow.StatusInitiated, tx.Status)
	assert.Equal(t, "USD", tx.Currency)
	assert.Nil(t, tx.TimeoutDeadline)
	require.Len(t, tx.History, 1)
	assert.Equal(t, escrow.StatusInitiated, tx.History[0].Status)

	bad := []NewTransaction{
		{BuyerID: "", SellerID: "s", Amount: decimal.NewFromInt(1), Currency: "USD"},
		{BuyerID: "a", SellerID: "a", Amount: decimal.NewFromInt(1), Currency: "USD"},
		{BuyerID: "a", SellerID: "b", Amount: decimal.Zero, Currency: "USD"},
		{BuyerID: "a", SellerID: "b", Amount: decimal.NewFromInt(1), Currency: "US"},
	}
	for _, in := range bad {
		_, err := h.svc.Open(context.Background(), in)
		assert.ErrorIs(t, err, escrow.ErrInvalidInput)
	}
}

func TestService_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	start := h.clock.Now()

	tx = h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	require.NotNil(t, tx.TimeoutDeadline)
	assert.Equal(t, start.Add(48*time.Hour), *tx.TimeoutDeadline)
	assert.Equal(t, 1, h.ledger.Count(escrow.LedgerHold))

	h.clock.Advance(time.Hour)
	tx = h.move(t, tx.ID, seller, escrow.StatusPaymentReceived, escrow.StatusShipped, tracking)
	assert.Nil(t, tx.TimeoutDeadline)

	tx = h.move(t, tx.ID, buyer, escrow.StatusShipped, escrow.StatusDelivered, nil)
	tx = h.move(t, tx.ID, buyer, escrow.StatusDelivered, escrow.StatusInspection, nil)
	require.NotNil(t, tx.TimeoutDeadline)
	assert.Equal(t, h.clock.Now().Add(72*time.Hour), *tx.TimeoutDeadline)

	tx = h.move(t, tx.ID, buyer, escrow.StatusInspection, escrow.StatusCompleted, nil)
	assert.Nil(t, tx.TimeoutDeadline)
	tx = h.move(t, tx.ID, seller, escrow.StatusCompleted, escrow.StatusFundsReleased, nil)

	stored, err := h.svc.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFundsReleased, stored.Status)
	assert.Nil(t, stored.TimeoutDeadline)
	require.Len(t, stored.History, 7)
	assert.Equal(t, "1Z999", stored.History[2].Metadata["tracking_number"])

	assert.Equal(t, 1, h.ledger.Count(escrow.LedgerHold))
	assert.Equal(t, 1, h.ledger.Count(escrow.LedgerRelease))
	assert.Equal(t, 0, h.ledger.Count(escrow.LedgerRefund))
	assert.Equal(t, 2, h.queue.Len())
}

func TestService_TerminalRejectsEverything(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, buyer, escrow.StatusInitiated, escrow.StatusCancelled, nil)

	for _, target := range escrow.Statuses {
		for _, actor := range []escrow.Actor{buyer, seller, admin, escrow.SystemActor} {
			_, err := h.svc.ApplyTransition(context.Background(), tx.ID, actor, target, escrow.StatusCancelled, nil)
			assert.ErrorIs(t, err, escrow.ErrAlreadyTerminal, "%s -> %s", actor, target)
		}
	}

	stored, _ := h.svc.Get(context.Background(), tx.ID)
	assert.Equal(t, escrow.StatusCancelled, stored.Status)
	assert.Len(t, stored.History, 2)
}

func TestService_Authorization(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	ctx := context.Background()

	stranger := escrow.Actor{Role: escrow.RoleSeller, ID: "someone-else"}
	_, err := h.svc.ApplyTransition(ctx, tx.ID, stranger, escrow.StatusPaymentReceived, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = h.svc.ApplyTransition(ctx, tx.ID, escrow.Actor{Role: "GUEST", ID: "x"}, escrow.StatusCancelled, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	// buyer identity does not grant seller moves
	_, err = h.svc.ApplyTransition(ctx, tx.ID, buyer, escrow.StatusPaymentReceived, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	_, err = h.svc.ApplyTransition(ctx, uuid.New(), buyer, escrow.StatusCancelled, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrTransactionNotFound)
}

func TestService_ShippedRequiresTracking(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)

	_, err := h.svc.ApplyTransition(context.Background(), tx.ID, seller, escrow.StatusShipped, escrow.StatusPaymentReceived,
		map[string]string{"tracking_number": "1Z999"})
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)
}

func TestService_DisputedOnlyThroughDisputeRoute(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	h.move(t, tx.ID, seller, escrow.StatusPaymentReceived, escrow.StatusShipped, tracking)
	h.move(t, tx.ID, buyer, escrow.StatusShipped, escrow.StatusDelivered, nil)
	h.move(t, tx.ID, buyer, escrow.StatusDelivered, escrow.StatusInspection, nil)

	_, err := h.svc.ApplyTransition(context.Background(), tx.ID, buyer, escrow.StatusDisputed, escrow.StatusInspection, nil)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	got, err := h.svc.Apply(context.Background(), Request{
		TransactionID: tx.ID,
		Actor:         seller,
		Target:        escrow.StatusDisputed,
		Expected:      escrow.StatusInspection,
		Route:         RouteDispute,
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, got.Status)
	assert.Nil(t, got.TimeoutDeadline)
}

func TestService_StaleExpected(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)

	_, err := h.svc.ApplyTransition(context.Background(), tx.ID, buyer, escrow.StatusCancelled, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrStaleState)
}

func TestService_SystemTimeoutTarget(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	h.clock.Advance(49 * time.Hour)

	_, err := h.svc.ApplyTransition(context.Background(), tx.ID, escrow.SystemActor, escrow.StatusShipped, escrow.StatusPaymentReceived, nil)
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	got := h.move(t, tx.ID, escrow.SystemActor, escrow.StatusPaymentReceived, escrow.StatusCancelled, nil)
	assert.Equal(t, escrow.StatusCancelled, got.Status)
	assert.Nil(t, got.TimeoutDeadline)
	assert.Equal(t, 1, h.ledger.Count(escrow.LedgerRefund))
}

// barrierRepo makes every caller finish its read before any caller writes.
type barrierRepo struct {
	*memory.Store
	wg *sync.WaitGroup
}

func (r *barrierRepo) GetByID(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	t, err := r.Store.GetByID(ctx, id)
	r.wg.Done()
	r.wg.Wait()
	return t, err
}

func TestService_ConcurrentTransitionsOneWins(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	h.clock.Advance(49 * time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	racing := NewService(&barrierRepo{Store: h.store, wg: &wg}, h.ledger, h.svc.scheduler, zerolog.Nop(), WithClock(h.clock.Now))

	type result struct {
		tx  *escrow.Transaction
		err error
	}
	results := make(chan result, 2)
	go func() {
		got, err := racing.ApplyTransition(context.Background(), tx.ID, seller, escrow.StatusShipped, escrow.StatusPaymentReceived, tracking)
		results <- result{got, err}
	}()
	go func() {
		got, err := racing.ApplyTransition(context.Background(), tx.ID, escrow.SystemActor, escrow.StatusCancelled, escrow.StatusPaymentReceived, nil)
		results <- result{got, err}
	}()

	var winner *escrow.Transaction
	stale := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.Nil(t, winner, "two transitions committed")
			winner = r.tx
			continue
		}
		assert.ErrorIs(t, r.err, escrow.ErrStaleState)
		stale++
	}
	require.NotNil(t, winner)
	assert.Equal(t, 1, stale)

	stored, _ := h.svc.Get(context.Background(), tx.ID)
	assert.Equal(t, winner.Status, stored.Status)
	assert.Len(t, stored.History, 3)
	if winner.Status == escrow.StatusCancelled {
		assert.Equal(t, 1, h.ledger.Count(escrow.LedgerRefund))
	} else {
		assert.Equal(t, 0, h.ledger.Count(escrow.LedgerRefund))
	}
}

func TestService_LedgerFailureAbortsWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	ledger.EXPECT().Hold(gomock.Any(), gomock.Any()).Return(errors.New("gateway down"))

	store := memory.NewStore()
	queue := memory.NewQueue()
	svc := NewService(store, ledger, NewScheduler(nil, queue, zerolog.Nop()), zerolog.Nop())

	tx, err := svc.Open(context.Background(), NewTransaction{BuyerID: "b", SellerID: "s", Amount: decimal.NewFromInt(10), Currency: "EUR"})
	require.NoError(t, err)

	_, err = svc.ApplyTransition(context.Background(), tx.ID, escrow.Actor{Role: escrow.RoleSeller, ID: "s"},
		escrow.StatusPaymentReceived, escrow.StatusInitiated, nil)
	assert.ErrorIs(t, err, escrow.ErrPreconditionFailed)

	stored, _ := svc.Get(context.Background(), tx.ID)
	assert.Equal(t, escrow.StatusInitiated, stored.Status)
	assert.Nil(t, stored.TimeoutDeadline)
	assert.Len(t, stored.History, 1)
	assert.Zero(t, queue.Len())
}

func TestService_LedgerKeyedByTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	svc := NewService(memory.NewStore(), ledger, NewScheduler(nil, nil, zerolog.Nop()), zerolog.Nop())

	tx, err := svc.Open(context.Background(), NewTransaction{BuyerID: "b", SellerID: "s", Amount: decimal.NewFromInt(10), Currency: "EUR"})
	require.NoError(t, err)

	ledger.EXPECT().Hold(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e escrow.LedgerEntry) error {
		assert.Equal(t, escrow.LedgerKey(tx.ID, escrow.StatusPaymentReceived), e.Key)
		assert.True(t, decimal.NewFromInt(10).Equal(e.Amount))
		assert.Equal(t, "EUR", e.Currency)
		return nil
	})
	_, err = svc.ApplyTransition(context.Background(), tx.ID, escrow.Actor{Role: escrow.RoleSeller, ID: "s"},
		escrow.StatusPaymentReceived, escrow.StatusInitiated, nil)
	require.NoError(t, err)
}

func TestService_CompareAndSetMissIsStale(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	id := uuid.New()
	repo.EXPECT().GetByID(gomock.Any(), id).Return(&escrow.Transaction{
		ID: id, BuyerID: "b", SellerID: "s", Status: escrow.StatusShipped,
	}, nil)
	repo.EXPECT().CompareAndSet(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, c escrow.Change) (bool, error) {
		assert.Equal(t, escrow.StatusShipped, c.Expected)
		assert.Equal(t, escrow.StatusDelivered, c.Next)
		assert.Empty(t, c.Hooks)
		return false, nil
	})

	svc := NewService(repo, memory.NewLedger(), NewScheduler(nil, nil, zerolog.Nop()), zerolog.Nop())
	_, err := svc.ApplyTransition(context.Background(), id, escrow.Actor{Role: escrow.RoleBuyer, ID: "b"},
		escrow.StatusDelivered, escrow.StatusShipped, nil)
	assert.ErrorIs(t, err, escrow.ErrStaleState)
}

func TestService_NotifiesAsynchronously(t *testing.T) {
	notifier := newRecordingNotifier(errors.New("smtp down"))
	h := newHarness(t, WithNotifier(notifier))
	tx := h.open(t)

	got := h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	assert.Equal(t, escrow.StatusPaymentReceived, got.Status)

	select {
	case e := <-notifier.events:
		assert.Equal(t, tx.ID, e.TransactionID)
		assert.Equal(t, escrow.StatusInitiated, e.From)
		assert.Equal(t, escrow.StatusPaymentReceived, e.To)
		assert.Equal(t, buyer.ID, e.BuyerID)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	stored, _ := h.svc.Get(context.Background(), tx.ID)
	assert.Equal(t, escrow.StatusPaymentReceived, stored.Status)
}

func TestService_AvailableActions(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	ctx := context.Background()

	acts, err := h.svc.AvailableActions(ctx, tx.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, []escrow.Status{escrow.StatusPaymentReceived, escrow.StatusCancelled}, acts)

	acts, err = h.svc.AvailableActions(ctx, tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, []escrow.Status{escrow.StatusCancelled}, acts)

	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	acts, err = h.svc.AvailableActions(ctx, tx.ID, escrow.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, []escrow.Status{escrow.StatusCancelled}, acts)

	_, err = h.svc.AvailableActions(ctx, tx.ID, escrow.Actor{Role: escrow.RoleBuyer, ID: "intruder"})
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
}

func TestService_View(t *testing.T) {
	h := newHarness(t)
	tx := h.open(t)
	h.move(t, tx.ID, seller, escrow.StatusInitiated, escrow.StatusPaymentReceived, nil)
	h.clock.Advance(8 * time.Hour)

	v, err := h.svc.View(context.Background(), tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPaymentReceived, v.Status)
	require.NotNil(t, v.TimeRemaining)
	assert.Equal(t, escrow.Duration(40*time.Hour), *v.TimeRemaining)
	assert.False(t, v.IsTerminal)
	assert.Len(t, v.History, 2)
}
