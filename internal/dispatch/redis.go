package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"readings-service/internal/entity"
)

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// RedisQueue is a reliable hand-off over Redis lists with two lanes: first
// attempts and retries. First attempts are claimed first so a backlog of
// retries cannot starve new work.
//
//	Claim: BRPOPLPUSH lane.queue -> lane.processing
//	Ack:   LREM lane.processing
type RedisQueue struct {
	rdb   *redis.Client
	fresh Lane
	retry Lane
	now   func() time.Time
}

func NewRedisQueue(rdb *redis.Client, queueKey, processingKey string) *RedisQueue {
	return &RedisQueue{
		rdb:   rdb,
		fresh: Lane{QueueKey: queueKey + ":fresh", ProcessingKey: processingKey + ":fresh"},
		retry: Lane{QueueKey: queueKey + ":retry", ProcessingKey: processingKey + ":retry"},
		now:   time.Now,
	}
}

func (q *RedisQueue) laneFor(retryCount int) Lane {
	if retryCount > 0 {
		return q.retry
	}
	return q.fresh
}

func (q *RedisQueue) Dispatch(ctx context.Context, job *entity.Job) error {
	b, err := encode(job, q.now())
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.laneFor(job.RetryCount).QueueKey, b).Err()
}

// Claim tries fresh then retry with short blocking slots, so it is mostly
// blocking but still respects lane order. A non-positive timeout waits until
// ctx is done.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !forever && time.Now().After(deadline) {
			return nil, ErrNoDelivery
		}

		for _, ln := range []Lane{q.fresh, q.retry} {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return nil, ErrNoDelivery
				}
				if remain < wait {
					wait = remain
				}
			}

			raw, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}

			processingKey := ln.ProcessingKey
			ack := func(ctx context.Context) error {
				return q.rdb.LRem(ctx, processingKey, 1, raw).Err()
			}
			m, err := decode([]byte(raw))
			if err != nil {
				// Poison message: drop it so it is not claimed forever.
				_ = ack(ctx)
				return nil, err
			}
			return &Delivery{
				Lease:        entity.Lease{JobID: m.JobID, LeaseID: m.LeaseID},
				DispatchedAt: m.DispatchedAt,
				ack:          ack,
			}, nil
		}
	}
}

// Sweep drops processing entries dispatched before cutoff. Their workers are
// gone; the store audit reclaims the jobs and the next lease dispatches them
// again with a fresh lease id.
func (q *RedisQueue) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64

	for _, ln := range []Lane{q.fresh, q.retry} {
		items, err := q.rdb.LRange(ctx, ln.ProcessingKey, 0, -1).Result()
		if err != nil {
			return removed, err
		}
		for _, raw := range items {
			m, err := decode([]byte(raw))
			if err == nil && m.DispatchedAt.After(cutoff) {
				continue
			}
			n, err := q.rdb.LRem(ctx, ln.ProcessingKey, 1, raw).Result()
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, nil
}
