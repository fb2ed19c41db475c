package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"readings-service/internal/dispatch"
	"readings-service/internal/entity"
)

type LeaseProcessor interface {
	Process(ctx context.Context, l entity.Lease) error
}

type Pool struct {
	source     dispatch.Source
	processor  LeaseProcessor
	workers    int
	claimDelay time.Duration
	log        *zap.Logger
}

func NewPool(source dispatch.Source, processor LeaseProcessor, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		source:     source,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
		log:        log,
	}
}

// Run claims hand-offs until ctx is done and waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker: pool started", zap.Int("workers", p.workers))

	jobCh := make(chan *dispatch.Delivery)
	g, gctx := errgroup.WithContext(context.Background())

	for i := 0; i < p.workers; i++ {
		n := i + 1
		g.Go(func() error {
			for d := range jobCh {
				if err := p.processor.Process(ctx, d.Lease); err != nil {
					p.log.Error("worker: process failed",
						zap.Int("worker", n), zap.String("job_id", d.Lease.JobID), zap.Error(err))
				}
				// Ack in every case. A job whose transition was not written
				// stays processing in the store and the shepherd audit
				// reclaims it; an unacked delivery would only hold a
				// prefetch slot. A fresh context keeps shutdown from
				// stranding the entry in the processing list.
				ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := d.Ack(ackCtx); err != nil {
					p.log.Warn("worker: ack failed", zap.Int("worker", n), zap.String("job_id", d.Lease.JobID), zap.Error(err))
				}
				cancel()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobCh)
		for {
			d, err := p.source.Claim(ctx, p.claimDelay)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !errors.Is(err, dispatch.ErrNoDelivery) {
					p.log.Warn("worker: claim failed", zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return nil
					}
				}
				continue
			}
			select {
			case jobCh <- d:
			case <-ctx.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	p.log.Info("worker: pool stopped")
	return err
}
