package expiration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/metrics"
)

// Transitioner applies a single status transition.
type Transitioner interface {
	ApplyTransition(ctx context.Context, id uuid.UUID, actor escrow.Actor, target, expected escrow.Status, metadata map[string]string) (*escrow.Transaction, error)
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned  int
	Advanced int
	Failed   int
}

// Worker advances transactions whose timeout deadline has passed.
type Worker struct {
	repo      escrow.Repository
	machine   Transitioner
	queue     escrow.JobQueue
	timeouts  escrow.TimeoutTable
	batchSize int
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates an expiration worker. queue may be nil when delayed jobs
// are disabled.
func NewWorker(repo escrow.Repository, machine Transitioner, queue escrow.JobQueue, timeouts escrow.TimeoutTable, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		machine:   machine,
		queue:     queue,
		timeouts:  timeouts,
		batchSize: 100,
		now:       time.Now,
		logger:    logger.With().Str("service", "expiration").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Sweep applies the timeout target to every overdue transaction. Rows are
// handled independently; a failing row is logged and counted.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	statuses := w.timeouts.SLAStatuses()
	if len(statuses) == 0 {
		return res, nil
	}
	now := w.now().UTC()

	// Page by (deadline, id) so rows that keep failing are passed over
	// instead of filling every batch.
	var after *escrow.OverdueCursor
	for {
		rows, err := w.repo.ListOverdue(ctx, now, statuses, after, w.batchSize)
		if err != nil {
			return res, err
		}
		for _, t := range rows {
			if err := ctx.Err(); err != nil {
				w.metrics.Sweep(res.Advanced, res.Failed)
				return res, err
			}
			after = escrow.CursorAfter(t)
			res.Scanned++
			if err := w.expire(ctx, t); err != nil {
				res.Failed++
				w.logger.Warn().Err(err).
					Str("transaction_id", t.ID.String()).
					Str("status", string(t.Status)).
					Msg("failed to expire transaction")
				continue
			}
			res.Advanced++
		}
		if len(rows) < w.batchSize {
			break
		}
	}

	w.metrics.Sweep(res.Advanced, res.Failed)
	if res.Scanned > 0 {
		w.logger.Info().
			Int("scanned", res.Scanned).
			Int("advanced", res.Advanced).
			Int("failed", res.Failed).
			Msg("expiration sweep finished")
	}
	return res, nil
}

func (w *Worker) expire(ctx context.Context, t *escrow.Transaction) error {
	rule, ok := w.timeouts.Rule(t.Status)
	if !ok {
		return nil
	}
	_, err := w.machine.ApplyTransition(ctx, t.ID, escrow.SystemActor, rule.Target, t.Status, map[string]string{
		"reason": "timeout",
	})
	return err
}

// HandleJob processes one fired delayed job. It reports whether a transition
// was applied. Jobs whose expected status no longer holds, or whose deadline
// has not passed, are discarded.
func (w *Worker) HandleJob(ctx context.Context, job escrow.Job) (bool, error) {
	t, err := w.repo.GetByID(ctx, job.TransactionID)
	if err != nil {
		return false, err
	}
	if t == nil || t.Status != job.ExpectedStatus {
		w.metrics.Job("discarded")
		return false, nil
	}
	if t.TimeoutDeadline == nil || t.TimeoutDeadline.After(w.now().UTC()) {
		w.metrics.Job("discarded")
		return false, nil
	}
	if err := w.expire(ctx, t); err != nil {
		if errors.Is(err, escrow.ErrStaleState) || errors.Is(err, escrow.ErrAlreadyTerminal) {
			w.metrics.Job("discarded")
			return false, nil
		}
		w.metrics.Job("failed")
		return false, err
	}
	w.metrics.Job("applied")
	return true, nil
}

// Consume drains up to limit due jobs. Jobs that fail stay queued for the
// next pass.
func (w *Worker) Consume(ctx context.Context, limit int) (int, error) {
	if w.queue == nil {
		return 0, nil
	}
	jobs, err := w.queue.Due(ctx, w.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ok, err := w.HandleJob(ctx, job)
		if err != nil {
			w.logger.Warn().Err(err).
				Str("transaction_id", job.TransactionID.String()).
				Str("expected_status", string(job.ExpectedStatus)).
				Msg("failed to handle timeout job")
			continue
		}
		if ok {
			applied++
		}
		if err := w.queue.Ack(ctx, job); err != nil {
			w.logger.Warn().Err(err).
				Str("transaction_id", job.TransactionID.String()).
				Msg("failed to ack timeout job")
		}
	}
	return applied, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("expiration sweep failed")
			}
		}
	}
}

// RunConsumer drains due jobs on every tick until ctx is done.
func (w *Worker) RunConsumer(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Consume(ctx, limit); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("timeout job consumption failed")
			}
		}
	}
}
