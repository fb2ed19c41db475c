package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"readings-service/internal/entity"
	"readings-service/internal/extraction"
	"readings-service/internal/fingerprint"
	"readings-service/internal/jobstate"
)

// Store is the slice of the job store a worker writes through. Every job
// write is guarded by the lease.
type Store interface {
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	Heartbeat(ctx context.Context, l entity.Lease, now time.Time) error
	SaveCheckpoint(ctx context.Context, l entity.Lease, cp entity.Checkpoint, now time.Time) error
	Complete(ctx context.Context, l entity.Lease, resultRef string, now time.Time) error
	Requeue(ctx context.Context, l entity.Lease, runAfter time.Time, reason string, now time.Time) error
	Fail(ctx context.Context, l entity.Lease, reason string, now time.Time) error
	MergeJobs(ctx context.Context, fingerprint, canonical string, now time.Time) (int64, error)

	GetRecord(ctx context.Context, fingerprint string) (*entity.FingerprintRecord, error)
	GetResult(ctx context.Context, id string) (*entity.Result, error)
	SaveResult(ctx context.Context, r *entity.Result, complete bool) (string, error)

	AppendEvent(ctx context.Context, ev entity.ProgressEvent) error
}

type Mapper interface {
	Map(raw json.RawMessage) (json.RawMessage, error)
}

type Config struct {
	Policy            jobstate.Policy
	CriticalFields    []string
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

type Processor struct {
	store     Store
	extractor extraction.Extractor
	loader    extraction.Loader
	mapper    Mapper
	cfg       Config
	log       *zap.Logger
}

func NewProcessor(store Store, extractor extraction.Extractor, loader extraction.Loader, mapper Mapper, cfg Config, log *zap.Logger) *Processor {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if len(cfg.CriticalFields) == 0 {
		cfg.CriticalFields = fingerprint.DefaultCritical
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		loader:    loader,
		mapper:    mapper,
		cfg:       cfg,
		log:       log,
	}
}

// Process runs one leased job to exactly one transition: completed, requeued
// or failed. It returns an error only when that transition could not be
// written; a failed job is a normal outcome. A lease that is no longer ours
// is dropped silently.
func (p *Processor) Process(ctx context.Context, l entity.Lease) error {
	start := time.Now()
	log := p.log.With(zap.String("job_id", l.JobID), zap.String("lease_id", l.LeaseID))

	if err := p.store.Heartbeat(ctx, l, p.cfg.Now()); err != nil {
		if errors.Is(err, entity.ErrLeaseLost) {
			log.Info("worker: stale hand-off dropped")
			return nil
		}
		return fmt.Errorf("heartbeat: %w", err)
	}

	job, err := p.store.GetJob(ctx, l.JobID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			log.Warn("worker: job record vanished")
			return nil
		}
		return fmt.Errorf("get job: %w", err)
	}
	if job.LeaseID != l.LeaseID {
		// Reclaimed and leased again between our heartbeat and the read.
		log.Info("worker: stale hand-off dropped")
		return nil
	}
	log = log.With(zap.String("fingerprint", job.Fingerprint), zap.Int("retry_count", job.RetryCount))
	log.Info("worker: processing", zap.String("resume_from", string(job.Checkpoint.Stage)))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, l, cancel, &lost, log)
	}()

	resultRef, runErr := p.run(jobCtx, job)
	cancel()
	<-hbDone

	if lost.Load() || errors.Is(runErr, entity.ErrLeaseLost) {
		log.Warn("worker: lease lost mid-job", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return nil
	}
	if runErr != nil && ctx.Err() != nil {
		// Shutting down: leave the job processing; the audit reclaims it.
		log.Warn("worker: interrupted", zap.Error(runErr))
		return nil
	}

	now := p.cfg.Now()
	if runErr == nil {
		if err := p.store.Complete(ctx, l, resultRef, now); err != nil {
			if errors.Is(err, entity.ErrLeaseLost) {
				log.Warn("worker: lease lost before complete")
				return nil
			}
			return fmt.Errorf("complete: %w", err)
		}
		p.event(ctx, job.ID, entity.StatusCompleted, entity.StagePersisted, "result "+resultRef)
		log.Info("worker: completed",
			zap.String("result_ref", resultRef),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return nil
	}

	return p.settleFailure(ctx, job, runErr, start, log)
}

func (p *Processor) settleFailure(ctx context.Context, job *entity.Job, runErr error, start time.Time, log *zap.Logger) error {
	failure := extraction.Classify(runErr)
	d := p.cfg.Policy.Decide(job.RetryCount, failure)
	now := p.cfg.Now()
	l := job.Lease()

	var err error
	switch d.Action {
	case jobstate.ActionRequeue:
		err = p.store.Requeue(ctx, l, now.Add(d.Delay), d.Reason, now)
	default:
		err = p.store.Fail(ctx, l, d.Reason, now)
	}
	if err != nil {
		if errors.Is(err, entity.ErrLeaseLost) {
			log.Warn("worker: lease lost before settling failure", zap.Error(runErr))
			return nil
		}
		return fmt.Errorf("%s: %w", d.Action, err)
	}

	status := entity.StatusFailed
	if d.Action == jobstate.ActionRequeue {
		status = entity.StatusQueued
	}
	p.event(ctx, job.ID, status, job.Checkpoint.Stage, d.Reason)
	log.Warn("worker: attempt failed",
		zap.String("kind", string(failure.Kind)),
		zap.String("action", string(d.Action)),
		zap.Duration("backoff", d.Delay),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Error(runErr),
	)
	return nil
}

// heartbeat refreshes the lease until ctx ends. Losing the lease cancels the
// job so no further stage runs on someone else's job.
func (p *Processor) heartbeat(ctx context.Context, l entity.Lease, cancel context.CancelFunc, lost *atomic.Bool, log *zap.Logger) {
	t := time.NewTicker(p.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.store.Heartbeat(ctx, l, p.cfg.Now())
			switch {
			case err == nil:
			case errors.Is(err, entity.ErrLeaseLost):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("worker: heartbeat failed", zap.Error(err))
			}
		}
	}
}

// run advances the job from its checkpoint to a persisted result and returns
// the result id.
func (p *Processor) run(ctx context.Context, job *entity.Job) (string, error) {
	cp := job.Checkpoint

	if cp.Stage.Reached(entity.StagePersisted) {
		return cp.ResultRef, nil
	}

	if cp.IsZero() {
		rec, err := p.record(ctx, job.Fingerprint)
		if err != nil {
			return "", err
		}
		plan := fingerprint.PlanFor(rec, job.ForceReanalysis)
		if !plan.Extract {
			p.event(ctx, job.ID, entity.StatusProcessing, entity.StageNone, "duplicate of "+plan.Canonical)
			return plan.Canonical, nil
		}
		p.event(ctx, job.ID, entity.StatusProcessing, entity.StageNone, string(plan.Verdict))
	}

	if !cp.Stage.Reached(entity.StageExtracted) {
		image := job.Payload
		if len(image) == 0 {
			if job.InputRef == "" {
				return "", extraction.Fatalf("missing required input: no payload and no inputRef")
			}
			b, err := p.loader.Load(ctx, job.InputRef)
			if err != nil {
				return "", err
			}
			image = b
		}
		raw, err := p.extractor.Extract(ctx, image)
		if err != nil {
			return "", err
		}
		cp = entity.Checkpoint{Stage: entity.StageExtracted, Raw: raw}
		if err := p.checkpoint(ctx, job, cp); err != nil {
			return "", err
		}
	}

	if !cp.Stage.Reached(entity.StageMapped) {
		fields, err := p.mapper.Map(cp.Raw)
		if err != nil {
			return "", err
		}
		cp.Stage = entity.StageMapped
		cp.Fields = fields
		cp.Complete = fingerprint.IsComplete(fields, p.cfg.CriticalFields)
		if err := p.checkpoint(ctx, job, cp); err != nil {
			return "", err
		}
	}

	ref, complete, upgraded, err := p.persist(ctx, job, cp.Fields)
	if err != nil {
		return "", err
	}
	cp.Stage = entity.StagePersisted
	cp.ResultRef = ref
	cp.Complete = complete
	if err := p.checkpoint(ctx, job, cp); err != nil {
		return "", err
	}
	if upgraded {
		n, err := p.store.MergeJobs(ctx, job.Fingerprint, ref, p.cfg.Now())
		if err != nil {
			// The canonical result is already correct; stale pointers on
			// other jobs are cosmetic.
			p.log.Warn("worker: merge jobs failed", zap.String("job_id", job.ID), zap.Error(err))
		} else if n > 0 {
			p.log.Info("worker: merged jobs into canonical result", zap.String("job_id", job.ID), zap.Int64("merged", n))
		}
	}
	return ref, nil
}

// persist writes fields into the canonical result for the job's fingerprint,
// overlaying whatever an earlier extraction already stored.
func (p *Processor) persist(ctx context.Context, job *entity.Job, fields json.RawMessage) (ref string, complete, upgraded bool, err error) {
	rec, err := p.record(ctx, job.Fingerprint)
	if err != nil {
		return "", false, false, err
	}

	merged := fields
	id := uuid.NewString()
	if rec != nil {
		id = rec.ResultRef
		upgraded = true
		prev, err := p.store.GetResult(ctx, rec.ResultRef)
		switch {
		case err == nil:
			if merged, err = fingerprint.Merge(prev.Fields, fields); err != nil {
				return "", false, false, extraction.Fatal(err)
			}
		case errors.Is(err, entity.ErrNotFound):
		default:
			return "", false, false, fmt.Errorf("get canonical result: %w", err)
		}
	}

	complete = fingerprint.IsComplete(merged, p.cfg.CriticalFields)
	now := p.cfg.Now()
	ref, err = p.store.SaveResult(ctx, &entity.Result{
		ID:          id,
		Fingerprint: job.Fingerprint,
		Fields:      merged,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, complete)
	if err != nil {
		return "", false, false, fmt.Errorf("save result: %w", err)
	}
	return ref, complete, upgraded, nil
}

func (p *Processor) record(ctx context.Context, fp string) (*entity.FingerprintRecord, error) {
	rec, err := p.store.GetRecord(ctx, fp)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return rec, nil
}

func (p *Processor) checkpoint(ctx context.Context, job *entity.Job, cp entity.Checkpoint) error {
	if err := p.store.SaveCheckpoint(ctx, job.Lease(), cp, p.cfg.Now()); err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.Stage, err)
	}
	job.Checkpoint = cp
	job.Payload = nil
	p.event(ctx, job.ID, entity.StatusProcessing, cp.Stage, "")
	return nil
}

func (p *Processor) event(ctx context.Context, jobID string, status entity.JobStatus, stage entity.Stage, msg string) {
	ev := entity.ProgressEvent{JobID: jobID, Status: status, Stage: stage, Message: msg, CreatedAt: p.cfg.Now()}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		p.log.Warn("worker: append event failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
