package dispatch

import (
	"context"
	"time"

	"readings-service/internal/entity"
)

// LocalQueue hands off leases inside one process. It backs single-binary
// runs against the in-memory store.
type LocalQueue struct {
	ch chan message
}

func NewLocalQueue(size int) *LocalQueue {
	if size <= 0 {
		size = 64
	}
	return &LocalQueue{ch: make(chan message, size)}
}

// Dispatch blocks while the buffer is full, until ctx is done.
func (q *LocalQueue) Dispatch(ctx context.Context, job *entity.Job) error {
	m, err := newMessage(job, time.Now())
	if err != nil {
		return err
	}
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalQueue) Claim(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expire:
		return nil, ErrNoDelivery
	case m := <-q.ch:
		return &Delivery{
			Lease:        entity.Lease{JobID: m.JobID, LeaseID: m.LeaseID},
			DispatchedAt: m.DispatchedAt,
		}, nil
	}
}

func (q *LocalQueue) Len() int {
	return len(q.ch)
}
