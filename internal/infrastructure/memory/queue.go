package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Queue is an in-process delayed job queue.
type Queue struct {
	mu   sync.Mutex
	jobs []escrow.Job
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ctx context.Context, job escrow.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if sameJob(j, job) {
			return nil
		}
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// Due returns jobs whose fire time has passed without removing them.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]escrow.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []escrow.Job
	for _, j := range q.jobs {
		if !j.FireAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, job escrow.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if sameJob(j, job) {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func sameJob(a, b escrow.Job) bool {
	return a.TransactionID == b.TransactionID && a.ExpectedStatus == b.ExpectedStatus && a.FireAt.Equal(b.FireAt)
}
