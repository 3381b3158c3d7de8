package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/metrics"
)

// Scheduler derives deadlines and re-emits timeout jobs.
type Scheduler interface {
	Timeouts() escrow.TimeoutTable
	Schedule(ctx context.Context, t *escrow.Transaction) error
}

// Issue kinds.
const (
	KindRepaired     = "repaired"
	KindUnrepairable = "unrepairable"
	KindOverdue      = "overdue"
	KindStalled      = "stalled"
	KindError        = "error"
)

// Issue describes one finding.
type Issue struct {
	TransactionID uuid.UUID     `json:"transactionId"`
	Status        escrow.Status `json:"status"`
	Kind          string        `json:"kind"`
	Detail        string        `json:"detail,omitempty"`
}

// Report is the outcome of one validation run.
type Report struct {
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	Scanned      int       `json:"scanned"`
	Active       int       `json:"active"`
	Overdue      int       `json:"overdue"`
	Repaired     int       `json:"repaired"`
	Unrepairable int       `json:"unrepairable"`
	Stalled      int       `json:"stalled"`
	Errors       int       `json:"errors"`
	Issues       []Issue   `json:"issues,omitempty"`
}

// Healthy reports whether the run found nothing it could not fix.
func (r Report) Healthy() bool {
	return r.Unrepairable == 0 && r.Errors == 0
}

func (r Report) counts() map[string]int {
	return map[string]int{
		"active":       r.Active,
		"overdue":      r.Overdue,
		"repaired":     r.Repaired,
		"unrepairable": r.Unrepairable,
		"stalled":      r.Stalled,
		"errors":       r.Errors,
	}
}

const maxIssues = 200

// Validator reconciles stored deadlines with the timeout table.
type Validator struct {
	repo         escrow.Repository
	scheduler    Scheduler
	pageSize     int
	stalledAfter time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       zerolog.Logger

	mu   sync.RWMutex
	last *Report
}

// Option configures a Validator.
type Option func(*Validator)

func WithPageSize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// WithStalledAfter sets how long a non-terminal transaction without a
// deadline may sit unchanged before it is reported. Zero disables the check.
func WithStalledAfter(d time.Duration) Option {
	return func(v *Validator) { v.stalledAfter = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func NewValidator(repo escrow.Repository, scheduler Scheduler, logger zerolog.Logger, opts ...Option) *Validator {
	v := &Validator{
		repo:         repo,
		scheduler:    scheduler,
		pageSize:     500,
		stalledAfter: 7 * 24 * time.Hour,
		now:          time.Now,
		logger:       logger.With().Str("service", "consistency").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks every non-terminal transaction and every row carrying a
// deadline, repairing deadlines that disagree with the timeout table.
func (v *Validator) Validate(ctx context.Context) (Report, error) {
	timeouts := v.scheduler.Timeouts()
	now := v.now().UTC()
	rep := Report{StartedAt: now}
	cursor := uuid.Nil

	for {
		page, err := v.repo.ListForAudit(ctx, cursor, v.pageSize)
		if err != nil {
			return rep, err
		}
		for _, t := range page {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			v.check(ctx, timeouts, now, t, &rep)
		}
		if len(page) < v.pageSize {
			break
		}
		cursor = page[len(page)-1].ID
	}

	rep.FinishedAt = v.now().UTC()
	v.mu.Lock()
	v.last = &rep
	v.mu.Unlock()
	v.metrics.Consistency(rep.counts())

	evt := v.logger.Info()
	if !rep.Healthy() {
		evt = v.logger.Warn()
	}
	evt.Int("scanned", rep.Scanned).
		Int("active", rep.Active).
		Int("overdue", rep.Overdue).
		Int("repaired", rep.Repaired).
		Int("unrepairable", rep.Unrepairable).
		Int("stalled", rep.Stalled).
		Int("errors", rep.Errors).
		Msg("consistency validation finished")
	return rep, nil
}

func (v *Validator) check(ctx context.Context, timeouts escrow.TimeoutTable, now time.Time, t *escrow.Transaction, rep *Report) {
	rep.Scanned++
	terminal := escrow.IsTerminal(t.Status)
	if !terminal {
		rep.Active++
	}
	if t.StatusChangedAt.IsZero() {
		rep.Unrepairable++
		rep.add(Issue{TransactionID: t.ID, Status: t.Status, Kind: KindUnrepairable, Detail: "status_changed_at missing"})
		v.logger.Warn().Str("transaction_id", t.ID.String()).Msg("transaction has no status_changed_at")
		return
	}

	expected := timeouts.Deadline(t.Status, t.StatusChangedAt)
	if !sameDeadline(expected, t.TimeoutDeadline) {
		ok, err := v.repo.RepairDeadline(ctx, t.ID, t.Status, t.StatusChangedAt, expected)
		switch {
		case err != nil:
			rep.Errors++
			rep.add(Issue{TransactionID: t.ID, Status: t.Status, Kind: KindError, Detail: err.Error()})
			v.logger.Warn().Err(err).Str("transaction_id", t.ID.String()).Msg("failed to repair deadline")
			return
		case !ok:
			// moved on since it was read; the new status write set its own deadline
			return
		}
		rep.Repaired++
		rep.add(Issue{TransactionID: t.ID, Status: t.Status, Kind: KindRepaired, Detail: describe(t.TimeoutDeadline, expected)})
		v.logger.Info().
			Str("transaction_id", t.ID.String()).
			Str("status", string(t.Status)).
			Str("change", describe(t.TimeoutDeadline, expected)).
			Msg("deadline repaired")
		t.TimeoutDeadline = expected
		if expected != nil {
			if err := v.scheduler.Schedule(ctx, t); err != nil {
				v.logger.Warn().Err(err).Str("transaction_id", t.ID.String()).Msg("failed to reschedule timeout job")
			}
		}
	}

	if t.TimeoutDeadline != nil && !t.TimeoutDeadline.After(now) {
		rep.Overdue++
		rep.add(Issue{TransactionID: t.ID, Status: t.Status, Kind: KindOverdue})
	}
	if !terminal && t.TimeoutDeadline == nil && v.stalledAfter > 0 && now.Sub(t.StatusChangedAt) > v.stalledAfter {
		rep.Stalled++
		rep.add(Issue{TransactionID: t.ID, Status: t.Status, Kind: KindStalled})
	}
}

func (r *Report) add(i Issue) {
	if len(r.Issues) < maxIssues {
		r.Issues = append(r.Issues, i)
	}
}

// Last returns the latest finished report.
func (v *Validator) Last() (Report, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.last == nil {
		return Report{}, false
	}
	return *v.last, true
}

// Run validates on every tick until ctx is done.
func (v *Validator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := v.Validate(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error().Err(err).Msg("consistency validation failed")
			}
		}
	}
}

func sameDeadline(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func describe(from, to *time.Time) string {
	f, t := "null", "null"
	if from != nil {
		f = from.UTC().Format(time.RFC3339)
	}
	if to != nil {
		t = to.UTC().Format(time.RFC3339)
	}
	return f + " -> " + t
}
