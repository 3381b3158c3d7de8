package redisqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// DefaultKey is the sorted set holding pending timeout jobs.
const DefaultKey = "escrow:timeout-jobs"

// Queue is a delayed job queue on a redis sorted set scored by fire time.
// Delivery is at-least-once: a job stays in the set until it is acked.
type Queue struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: client, key: key}
}

func (q *Queue) Enqueue(ctx context.Context, job escrow.Job) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(job.FireAt.UnixMilli()),
		Member: encode(job),
	}).Err()
}

func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]escrow.Job, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]escrow.Job, 0, len(members))
	for _, m := range members {
		job, err := decode(m)
		if err != nil {
			// entries that cannot be decoded would be returned forever
			if err := q.client.ZRem(ctx, q.key, m).Err(); err != nil {
				return nil, fmt.Errorf("drop malformed job %q: %w", m, err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) Ack(ctx context.Context, job escrow.Job) error {
	return q.client.ZRem(ctx, q.key, encode(job)).Err()
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func encode(job escrow.Job) string {
	return job.TransactionID.String() + "|" + string(job.ExpectedStatus) + "|" + strconv.FormatInt(job.FireAt.UnixNano(), 10)
}

func decode(member string) (escrow.Job, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 3 {
		return escrow.Job{}, fmt.Errorf("malformed job %q", member)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return escrow.Job{}, fmt.Errorf("malformed job %q: %w", member, err)
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return escrow.Job{}, fmt.Errorf("malformed job %q: %w", member, err)
	}
	return escrow.Job{
		TransactionID:  id,
		ExpectedStatus: escrow.Status(parts[1]),
		FireAt:         time.Unix(0, nanos).UTC(),
	}, nil
}
