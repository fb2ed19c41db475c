// Package shepherd is the externally triggered scheduler run: it leases
// queued jobs to workers, reclaims zombies, purges old terminal jobs and
// trips a circuit breaker when audits keep finding stale work.
package shepherd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"readings-service/internal/dispatch"
	"readings-service/internal/entity"
	"readings-service/internal/extraction"
	"readings-service/internal/jobstate"
)

type Store interface {
	LeaseNext(ctx context.Context, limit int, now time.Time) ([]*entity.Job, error)
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error)
	ReclaimStale(ctx context.Context, id string, observed, runAfter time.Time, reason string, now time.Time) error
	FailStale(ctx context.Context, id string, observed time.Time, reason string, now time.Time) error
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	LoadShepherdState(ctx context.Context) (entity.ShepherdState, error)
	SaveShepherdState(ctx context.Context, s entity.ShepherdState) error
	AppendEvent(ctx context.Context, ev entity.ProgressEvent) error
}

type Config struct {
	DispatchBatch       int
	DispatchConcurrency int
	DispatchTimeout     time.Duration
	AuditBatch          int
	StaleAfter          time.Duration
	Retention           time.Duration
	FailureThreshold    int
	BreakerCooldown     time.Duration
	Policy              jobstate.Policy
}

func DefaultConfig() Config {
	return Config{
		DispatchBatch:       5,
		DispatchConcurrency: 5,
		DispatchTimeout:     10 * time.Second,
		AuditBatch:          50,
		StaleAfter:          5 * time.Minute,
		Retention:           7 * 24 * time.Hour,
		FailureThreshold:    3,
		BreakerCooldown:     15 * time.Minute,
		Policy:              jobstate.DefaultPolicy(),
	}
}

type Report struct {
	Skipped        bool  `json:"skipped"`
	Leased         int   `json:"leased"`
	DispatchFailed int   `json:"dispatch_failed"`
	Purged         int64 `json:"purged"`
	Stale          int   `json:"stale"`
	Requeued       int   `json:"requeued"`
	Failed         int   `json:"failed"`
	Raced          int   `json:"raced"`
	Tripped        bool  `json:"tripped"`
}

type Shepherd struct {
	store      Store
	dispatcher dispatch.Dispatcher
	cfg        Config
	log        *zap.Logger
}

func New(store Store, dispatcher dispatch.Dispatcher, cfg Config, log *zap.Logger) *Shepherd {
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Shepherd{store: store, dispatcher: dispatcher, cfg: cfg, log: log}
}

// Run performs one scheduler pass. Per-job failures are logged and counted;
// only failing to load or save the breaker state is returned.
func (s *Shepherd) Run(ctx context.Context, now time.Time) (Report, error) {
	state, err := s.store.LoadShepherdState(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load shepherd state: %w", err)
	}
	if state.Tripped(now) {
		s.log.Warn("shepherd: breaker open, skipping run",
			zap.Timep("until", state.BreakerTrippedUntil),
			zap.String("reason", state.LastFailureReason),
		)
		return Report{Skipped: true}, nil
	}
	if state.BreakerTrippedUntil != nil {
		s.log.Info("shepherd: breaker closed after cooldown")
		state.BreakerTrippedUntil = nil
	}

	var rep Report
	rep.Leased, rep.DispatchFailed = s.Dispatch(ctx, now)

	state, audit := s.Audit(ctx, state, now)
	rep.Purged, rep.Stale, rep.Requeued, rep.Failed, rep.Raced = audit.Purged, audit.Stale, audit.Requeued, audit.Failed, audit.Raced

	state = UpdateBreaker(state, s.cfg.FailureThreshold, s.cfg.BreakerCooldown, now)
	rep.Tripped = state.Tripped(now)
	if rep.Tripped {
		s.log.Error("shepherd: breaker tripped",
			zap.Timep("until", state.BreakerTrippedUntil),
			zap.String("reason", state.LastFailureReason),
		)
	}

	state.LastRunAt = &now
	if err := s.store.SaveShepherdState(ctx, state); err != nil {
		return rep, fmt.Errorf("save shepherd state: %w", err)
	}

	s.log.Info("shepherd: run finished",
		zap.Int("leased", rep.Leased),
		zap.Int("dispatch_failed", rep.DispatchFailed),
		zap.Int64("purged", rep.Purged),
		zap.Int("stale", rep.Stale),
		zap.Int("consecutive_failures", state.ConsecutiveFailures),
	)
	return rep, nil
}

// Dispatch leases one batch and hands each job off, bounded in concurrency
// and per hand-off time. A job whose hand-off fails stays processing and is
// picked up by a later audit.
func (s *Shepherd) Dispatch(ctx context.Context, now time.Time) (leased, failed int) {
	jobs, err := s.store.LeaseNext(ctx, s.cfg.DispatchBatch, now)
	if err != nil {
		s.log.Error("shepherd: lease failed", zap.Error(err))
		return 0, 0
	}
	if len(jobs) == 0 {
		return 0, 0
	}

	var nFailed atomic.Int32
	sem := semaphore.NewWeighted(int64(s.cfg.DispatchConcurrency))
	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			nFailed.Add(1)
			continue
		}
		go func(job *entity.Job) {
			defer sem.Release(1)
			dctx := ctx
			if s.cfg.DispatchTimeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
				defer cancel()
			}
			if err := s.dispatcher.Dispatch(dctx, job); err != nil {
				nFailed.Add(1)
				s.log.Error("shepherd: dispatch failed",
					zap.String("job_id", job.ID), zap.String("lease_id", job.LeaseID), zap.Error(err))
				return
			}
			s.log.Debug("shepherd: dispatched", zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount))
		}(job)
	}
	// Wait for in-flight hand-offs.
	if err := sem.Acquire(context.WithoutCancel(ctx), int64(s.cfg.DispatchConcurrency)); err == nil {
		sem.Release(int64(s.cfg.DispatchConcurrency))
	}
	return len(jobs), int(nFailed.Load())
}

type AuditReport struct {
	Purged   int64
	Stale    int
	Requeued int
	Failed   int
	Raced    int
}

var errStaleHeartbeat = errors.New("stale heartbeat: worker stopped reporting")

// Audit purges expired terminal jobs and applies the retry policy to
// processing jobs with stale heartbeats. It takes the breaker state and
// returns the updated state; persisting it is the caller's job.
func (s *Shepherd) Audit(ctx context.Context, state entity.ShepherdState, now time.Time) (entity.ShepherdState, AuditReport) {
	var rep AuditReport

	if s.cfg.Retention > 0 {
		n, err := s.store.PurgeTerminal(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			s.log.Error("shepherd: purge failed", zap.Error(err))
		}
		rep.Purged = n
	}

	stale, err := s.store.FindStale(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.AuditBatch)
	if err != nil {
		s.log.Error("shepherd: find stale failed", zap.Error(err))
		return state, rep
	}
	rep.Stale = len(stale)

	for _, job := range stale {
		action, err := s.reclaim(ctx, job, now)
		switch {
		case errors.Is(err, entity.ErrLeaseLost):
			rep.Raced++
			s.log.Info("shepherd: stale job moved on before audit", zap.String("job_id", job.ID))
		case err != nil:
			s.log.Error("shepherd: reclaim failed", zap.String("job_id", job.ID), zap.Error(err))
		case action == jobstate.ActionRequeue:
			rep.Requeued++
		default:
			rep.Failed++
		}
	}

	if rep.Stale == 0 {
		state.ConsecutiveFailures = 0
		return state, rep
	}
	state.ConsecutiveFailures += rep.Stale
	state.LastFailureReason = fmt.Sprintf("%d stale processing jobs (oldest %s)", rep.Stale, stale[0].ID)
	return state, rep
}

func (s *Shepherd) reclaim(ctx context.Context, job *entity.Job, now time.Time) (jobstate.Action, error) {
	if job.LastHeartbeat == nil {
		return "", entity.ErrLeaseLost
	}
	observed := *job.LastHeartbeat
	d := s.cfg.Policy.Decide(job.RetryCount, extraction.Transient(errStaleHeartbeat))

	status := entity.StatusQueued
	var err error
	if d.Action == jobstate.ActionRequeue {
		err = s.store.ReclaimStale(ctx, job.ID, observed, now.Add(d.Delay), d.Reason, now)
	} else {
		status = entity.StatusFailed
		err = s.store.FailStale(ctx, job.ID, observed, d.Reason, now)
	}
	if err != nil {
		return "", err
	}

	s.log.Warn("shepherd: reclaimed stale job",
		zap.String("job_id", job.ID),
		zap.String("action", string(d.Action)),
		zap.Int("retry_count", job.RetryCount),
		zap.Time("last_heartbeat", observed),
	)
	ev := entity.ProgressEvent{JobID: job.ID, Status: status, Stage: job.Checkpoint.Stage, Message: d.Reason, CreatedAt: now}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.log.Warn("shepherd: append event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return d.Action, nil
}

// UpdateBreaker trips the breaker once consecutive failures reach threshold.
// The counter is left alone: only a clean audit resets it, so an outage that
// outlasts the cooldown trips again on the first dirty audit after it.
func UpdateBreaker(state entity.ShepherdState, threshold int, cooldown time.Duration, now time.Time) entity.ShepherdState {
	if threshold <= 0 || state.ConsecutiveFailures < threshold {
		return state
	}
	until := now.Add(cooldown)
	state.BreakerTrippedUntil = &until
	return state
}
