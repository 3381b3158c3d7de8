package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Scheduler derives timeout deadlines and emits delayed jobs for them.
type Scheduler struct {
	timeouts escrow.TimeoutTable
	queue    escrow.JobQueue
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler. A nil queue disables delayed jobs and
// leaves the periodic sweep as the only trigger.
func NewScheduler(timeouts escrow.TimeoutTable, queue escrow.JobQueue, logger zerolog.Logger) *Scheduler {
	if timeouts == nil {
		timeouts = escrow.DefaultTimeouts()
	}
	return &Scheduler{
		timeouts: timeouts,
		queue:    queue,
		logger:   logger.With().Str("service", "timeout_scheduler").Logger(),
	}
}

func (s *Scheduler) Timeouts() escrow.TimeoutTable {
	return s.timeouts
}

// Deadline returns the deadline for entering status at changedAt, or nil.
func (s *Scheduler) Deadline(status escrow.Status, changedAt time.Time) *time.Time {
	return s.timeouts.Deadline(status, changedAt)
}

// Schedule enqueues the timeout job for t's current deadline, if any.
func (s *Scheduler) Schedule(ctx context.Context, t *escrow.Transaction) error {
	if s.queue == nil || t.TimeoutDeadline == nil {
		return nil
	}
	job := escrow.Job{
		TransactionID:  t.ID,
		ExpectedStatus: t.Status,
		FireAt:         *t.TimeoutDeadline,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	s.logger.Debug().
		Str("transaction_id", t.ID.String()).
		Str("expected_status", string(t.Status)).
		Time("fire_at", job.FireAt).
		Msg("timeout job scheduled")
	return nil
}
