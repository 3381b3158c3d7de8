package memory

import (
	"context"
	"sync"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Ledger records ledger instructions in memory. Calls made inside a status
// write are undone if that write rolls back.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]escrow.LedgerEntry
	order   []string
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]escrow.LedgerEntry)}
}

func (l *Ledger) Hold(ctx context.Context, entry escrow.LedgerEntry) error {
	entry.Op = escrow.LedgerHold
	l.record(ctx, entry)
	return nil
}

func (l *Ledger) Release(ctx context.Context, entry escrow.LedgerEntry) error {
	entry.Op = escrow.LedgerRelease
	l.record(ctx, entry)
	return nil
}

func (l *Ledger) Refund(ctx context.Context, entry escrow.LedgerEntry) error {
	entry.Op = escrow.LedgerRefund
	l.record(ctx, entry)
	return nil
}

func (l *Ledger) record(ctx context.Context, entry escrow.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entry.Key]; ok {
		return
	}
	l.entries[entry.Key] = entry
	l.order = append(l.order, entry.Key)
	if w := writeFrom(ctx); w != nil {
		key := entry.Key
		w.onRollback(func() { l.remove(key) })
	}
}

func (l *Ledger) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Entries returns recorded entries in insertion order.
func (l *Ledger) Entries() []escrow.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]escrow.LedgerEntry, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, l.entries[k])
	}
	return out
}

// Count returns how many entries of op were recorded.
func (l *Ledger) Count(op escrow.LedgerOp) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Op == op {
			n++
		}
	}
	return n
}
