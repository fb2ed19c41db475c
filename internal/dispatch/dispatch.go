// Package dispatch hands leased jobs from the shepherd to worker processes.
//
// A hand-off carries the job id and the lease id minted by the store. The
// store, not the transport, decides who owns a job: a stale or duplicated
// message fails its first guarded write and is dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"readings-service/internal/entity"
)

// ErrNoDelivery is returned by Claim when nothing arrived before the timeout.
var ErrNoDelivery = errors.New("dispatch: no delivery")

type Dispatcher interface {
	Dispatch(ctx context.Context, job *entity.Job) error
}

type Source interface {
	Claim(ctx context.Context, timeout time.Duration) (*Delivery, error)
}

type Delivery struct {
	Lease        entity.Lease
	DispatchedAt time.Time
	ack          func(ctx context.Context) error
}

// NewDelivery builds a delivery for a Source implemented outside this
// package. ack may be nil.
func NewDelivery(l entity.Lease, dispatchedAt time.Time, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Lease: l, DispatchedAt: dispatchedAt, ack: ack}
}

// Ack removes the delivery from the transport. Workers ack after every
// attempt; recovery of an unsettled job belongs to the store audit.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type message struct {
	JobID        string    `json:"job_id"`
	LeaseID      string    `json:"lease_id"`
	RetryCount   int       `json:"retry_count"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

func newMessage(job *entity.Job, now time.Time) (message, error) {
	if job.ID == "" || job.LeaseID == "" {
		return message{}, fmt.Errorf("%w: dispatch needs a leased job", entity.ErrInvalidInput)
	}
	return message{
		JobID:        job.ID,
		LeaseID:      job.LeaseID,
		RetryCount:   job.RetryCount,
		DispatchedAt: now.UTC(),
	}, nil
}

func encode(job *entity.Job, now time.Time) ([]byte, error) {
	m, err := newMessage(job, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func decode(b []byte) (message, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return message{}, fmt.Errorf("decode hand-off: %w", err)
	}
	if m.JobID == "" || m.LeaseID == "" {
		return message{}, fmt.Errorf("%w: hand-off without job or lease id", entity.ErrInvalidInput)
	}
	return m, nil
}

// Func adapts a plain function, e.g. an in-process processor call.
type Func func(ctx context.Context, job *entity.Job) error

func (f Func) Dispatch(ctx context.Context, job *entity.Job) error {
	return f(ctx, job)
}
