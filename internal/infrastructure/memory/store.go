package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

type writeKey struct{}

// write tracks a status write in progress so that hooks can join it.
type write struct {
	store *Store
	undo  []func()
}

func (w *write) onRollback(fn func()) {
	w.undo = append(w.undo, fn)
}

func (w *write) rollback() {
	for i := len(w.undo) - 1; i >= 0; i-- {
		w.undo[i]()
	}
}

func writeFrom(ctx context.Context) *write {
	w, _ := ctx.Value(writeKey{}).(*write)
	return w
}

// Store keeps transactions and disputes in process memory.
type Store struct {
	mu       sync.Mutex
	txs      map[uuid.UUID]*escrow.Transaction
	disputes map[uuid.UUID]*dispute.Dispute
}

func NewStore() *Store {
	return &Store{
		txs:      make(map[uuid.UUID]*escrow.Transaction),
		disputes: make(map[uuid.UUID]*dispute.Dispute),
	}
}

// lock takes the store mutex unless ctx already runs inside one of this
// store's writes.
func (s *Store) lock(ctx context.Context) (*write, func()) {
	if w := writeFrom(ctx); w != nil && w.store == s {
		return w, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

func (s *Store) Create(ctx context.Context, t *escrow.Transaction) error {
	w, unlock := s.lock(ctx)
	defer unlock()
	if _, ok := s.txs[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	s.txs[t.ID] = t.Clone()
	if w != nil {
		id := t.ID
		w.onRollback(func() { delete(s.txs, id) })
	}
	return nil
}

// Save stores t as given, replacing any existing row. It bypasses every
// status check and exists to load fixtures.
func (s *Store) Save(t *escrow.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[t.ID] = t.Clone()
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*escrow.Transaction, error) {
	_, unlock := s.lock(ctx)
	defer unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *Store) CompareAndSet(ctx context.Context, c escrow.Change) (bool, error) {
	if writeFrom(ctx) != nil {
		return false, fmt.Errorf("nested status write for %s", c.TransactionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txs[c.TransactionID]
	if !ok || t.Status != c.Expected {
		return false, nil
	}
	prev := t.Clone()

	next := t.Clone()
	next.Status = c.Next
	next.StatusChangedAt = c.ChangedAt
	next.TimeoutDeadline = c.Deadline
	next.UpdatedAt = c.ChangedAt
	next.History = append(next.History, c.Entry)
	s.txs[c.TransactionID] = next

	w := &write{store: s}
	hookCtx := context.WithValue(ctx, writeKey{}, w)
	for _, hook := range c.Hooks {
		if err := hook(hookCtx); err != nil {
			w.rollback()
			s.txs[c.TransactionID] = prev
			return false, err
		}
	}
	return true, nil
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time, statuses []escrow.Status, after *escrow.OverdueCursor, limit int) ([]*escrow.Transaction, error) {
	_, unlock := s.lock(ctx)
	defer unlock()
	wanted := make(map[escrow.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []*escrow.Transaction
	for _, t := range s.txs {
		if !wanted[t.Status] || t.TimeoutDeadline == nil || t.TimeoutDeadline.After(now) {
			continue
		}
		if after != nil && !overdueAfter(t, after) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return overdueAfter(out[j], escrow.CursorAfter(out[i]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// overdueAfter reports whether t sorts strictly after c by (deadline, id).
func overdueAfter(t *escrow.Transaction, c *escrow.OverdueCursor) bool {
	if !t.TimeoutDeadline.Equal(c.Deadline) {
		return t.TimeoutDeadline.After(c.Deadline)
	}
	return bytes.Compare(t.ID[:], c.ID[:]) > 0
}

func (s *Store) ListForAudit(ctx context.Context, cursor uuid.UUID, limit int) ([]*escrow.Transaction, error) {
	_, unlock := s.lock(ctx)
	defer unlock()
	var out []*escrow.Transaction
	for id, t := range s.txs {
		if bytes.Compare(id[:], cursor[:]) <= 0 {
			continue
		}
		if escrow.IsTerminal(t.Status) && t.TimeoutDeadline == nil {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RepairDeadline(ctx context.Context, id uuid.UUID, status escrow.Status, changedAt time.Time, deadline *time.Time) (bool, error) {
	_, unlock := s.lock(ctx)
	defer unlock()
	t, ok := s.txs[id]
	if !ok || t.Status != status || !t.StatusChangedAt.Equal(changedAt) {
		return false, nil
	}
	next := t.Clone()
	if deadline != nil {
		d := *deadline
		next.TimeoutDeadline = &d
	} else {
		next.TimeoutDeadline = nil
	}
	s.txs[id] = next
	return true, nil
}

// Disputes returns a dispute repository sharing this store's lock, so dispute
// writes made from a status hook commit or roll back with the status change.
func (s *Store) Disputes() *DisputeStore {
	return &DisputeStore{store: s}
}

// DisputeStore implements dispute.Repository.
type DisputeStore struct {
	store *Store
}

func (d *DisputeStore) Create(ctx context.Context, dsp *dispute.Dispute) error {
	s := d.store
	w, unlock := s.lock(ctx)
	defer unlock()
	for _, existing := range s.disputes {
		if existing.TransactionID == dsp.TransactionID && existing.IsOpen() {
			return fmt.Errorf("%w: %s", dispute.ErrAlreadyOpen, dsp.TransactionID)
		}
	}
	c := *dsp
	s.disputes[dsp.ID] = &c
	if w != nil {
		id := dsp.ID
		w.onRollback(func() { delete(s.disputes, id) })
	}
	return nil
}

func (d *DisputeStore) GetByID(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	_, unlock := d.store.lock(ctx)
	defer unlock()
	dsp, ok := d.store.disputes[id]
	if !ok {
		return nil, nil
	}
	c := *dsp
	return &c, nil
}

func (d *DisputeStore) GetOpenByTransaction(ctx context.Context, transactionID uuid.UUID) (*dispute.Dispute, error) {
	_, unlock := d.store.lock(ctx)
	defer unlock()
	for _, dsp := range d.store.disputes {
		if dsp.TransactionID == transactionID && dsp.IsOpen() {
			c := *dsp
			return &c, nil
		}
	}
	return nil, nil
}

func (d *DisputeStore) Resolve(ctx context.Context, r dispute.Resolution) (bool, error) {
	s := d.store
	w, unlock := s.lock(ctx)
	defer unlock()
	dsp, ok := s.disputes[r.DisputeID]
	if !ok || !dsp.IsOpen() {
		return false, nil
	}
	prev := *dsp
	next := *dsp
	note, by, at := r.Note, r.ResolvedBy, r.ResolvedAt
	next.Status = r.Status
	next.ResolutionNote = &note
	next.ResolvedBy = &by
	next.ResolvedAt = &at
	s.disputes[r.DisputeID] = &next
	if w != nil {
		w.onRollback(func() { s.disputes[r.DisputeID] = &prev })
	}
	return true, nil
}
