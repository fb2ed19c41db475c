package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"readings-service/internal/entity"
	"readings-service/internal/fingerprint"
)

// Store is the read side of the job store plus enqueue (implementations:
// postgresql, sqlite, memory).
type Store interface {
	Enqueue(ctx context.Context, job *entity.Job) (*entity.Job, bool, error)
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	GetJobs(ctx context.Context, ids []string) (map[string]*entity.Job, error)
	GetRecord(ctx context.Context, fingerprint string) (*entity.FingerprintRecord, error)
	GetRecords(ctx context.Context, fingerprints []string) (map[string]entity.FingerprintRecord, error)
	GetResult(ctx context.Context, id string) (*entity.Result, error)
	AppendEvent(ctx context.Context, ev entity.ProgressEvent) error
	LatestEvents(ctx context.Context, jobIDs []string) (map[string]entity.ProgressEvent, error)
	LoadShepherdState(ctx context.Context) (entity.ShepherdState, error)
}

type JobService struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

func NewJobService(store Store, log *zap.Logger) *JobService {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobService{store: store, now: func() time.Time { return time.Now().UTC() }, log: log}
}

// WithClock replaces the service clock; used by tests.
func (s *JobService) WithClock(now func() time.Time) *JobService {
	s.now = now
	return s
}

type EnqueueRequest struct {
	ID              string
	InputRef        string
	Fingerprint     string
	ForceReanalysis bool
	Payload         []byte
}

type EnqueueResult struct {
	Job *entity.Job
	// Created is false for an idempotent re-submission.
	Created bool
	// Duplicate means the fingerprint already had a complete result and the
	// job was recorded as completed without extraction.
	Duplicate bool
}

func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.InputRef = strings.TrimSpace(req.InputRef)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.InputRef == "" && len(req.Payload) == 0 {
		return EnqueueResult{}, fmt.Errorf("%w: inputRef or payload is required", entity.ErrInvalidInput)
	}

	fp, err := s.resolveFingerprint(req)
	if err != nil {
		return EnqueueResult{}, err
	}

	now := s.now()
	job := &entity.Job{
		ID:              req.ID,
		Status:          entity.StatusQueued,
		InputRef:        req.InputRef,
		Fingerprint:     fp,
		ForceReanalysis: req.ForceReanalysis,
		Payload:         req.Payload,
		RunAfter:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	duplicate := false
	if !req.ForceReanalysis {
		rec, err := s.store.GetRecord(ctx, fp)
		switch {
		case err == nil && fingerprint.Classify(rec) == fingerprint.VerdictDuplicate:
			ref := rec.ResultRef
			job.Status = entity.StatusCompleted
			job.ResultRef = &ref
			job.Payload = nil
			job.CompletedAt = &now
			duplicate = true
		case err != nil && !errors.Is(err, entity.ErrNotFound):
			// The worker repeats the check; enqueue normally.
			s.log.Warn("service: fingerprint lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		}
	}

	stored, created, err := s.store.Enqueue(ctx, job)
	if err != nil {
		return EnqueueResult{}, err
	}
	if created {
		msg := "enqueued"
		if duplicate {
			msg = "duplicate of " + *job.ResultRef
		}
		ev := entity.ProgressEvent{JobID: job.ID, Status: job.Status, Message: msg, CreatedAt: now}
		if err := s.store.AppendEvent(ctx, ev); err != nil {
			s.log.Warn("service: append event failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		s.log.Info("service: job enqueued",
			zap.String("job_id", job.ID),
			zap.String("fingerprint", fp),
			zap.Bool("duplicate", duplicate),
			zap.Bool("force_reanalysis", req.ForceReanalysis),
		)
	}
	return EnqueueResult{Job: stored, Created: created, Duplicate: duplicate && created}, nil
}

// resolveFingerprint computes the fingerprint of an inline payload and checks
// it against a supplied one. Without a payload the producer must supply it.
func (s *JobService) resolveFingerprint(req EnqueueRequest) (string, error) {
	var supplied string
	if req.Fingerprint != "" {
		fp, err := fingerprint.Normalize(req.Fingerprint)
		if err != nil {
			return "", err
		}
		supplied = fp
	}
	if len(req.Payload) == 0 {
		if supplied == "" {
			return "", fmt.Errorf("%w: fingerprint is required without payload", entity.ErrInvalidInput)
		}
		return supplied, nil
	}
	computed := fingerprint.Compute(req.Payload)
	if supplied != "" && supplied != computed {
		return "", fmt.Errorf("%w: fingerprint does not match payload", entity.ErrInvalidInput)
	}
	return computed, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) GetResult(ctx context.Context, id string) (*entity.Result, error) {
	return s.store.GetResult(ctx, id)
}

func (s *JobService) ShepherdState(ctx context.Context) (entity.ShepherdState, error) {
	return s.store.LoadShepherdState(ctx)
}

const StatusNotFound = "not_found"

// MaxStatusIDs caps the ids of a single status query.
const MaxStatusIDs = 200

type JobStatus struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	RetryCount int          `json:"retry_count"`
	Stage      entity.Stage `json:"stage,omitempty"`
	Error      *string      `json:"error,omitempty"`
	ResultRef  *string      `json:"result_ref,omitempty"`
}

// Status answers for every id and never fails. Ids without a job document
// fall back to their latest progress event; ids with neither are not_found.
func (s *JobService) Status(ctx context.Context, ids []string) []JobStatus {
	out := make([]JobStatus, 0, len(ids))
	if len(ids) == 0 {
		return out
	}

	jobs, err := s.store.GetJobs(ctx, ids)
	if err != nil {
		s.log.Warn("service: status lookup failed", zap.Int("ids", len(ids)), zap.Error(err))
		jobs = map[string]*entity.Job{}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := jobs[id]; !ok {
			missing = append(missing, id)
		}
	}
	events := map[string]entity.ProgressEvent{}
	eventsFailed := false
	if len(missing) > 0 {
		if events, err = s.store.LatestEvents(ctx, missing); err != nil {
			s.log.Warn("service: event lookup failed", zap.Int("ids", len(missing)), zap.Error(err))
			events = map[string]entity.ProgressEvent{}
			eventsFailed = true
		}
	}

	for _, id := range ids {
		if j, ok := jobs[id]; ok {
			out = append(out, JobStatus{
				ID:         id,
				Status:     string(j.Status),
				RetryCount: j.RetryCount,
				Stage:      j.Checkpoint.Stage,
				Error:      j.Error,
				ResultRef:  j.ResultRef,
			})
			continue
		}
		ev, ok := events[id]
		switch {
		case ok:
			status := entity.StatusQueued
			if ev.Status.Valid() {
				status = ev.Status
			}
			out = append(out, JobStatus{ID: id, Status: string(status), Stage: ev.Stage})
		case eventsFailed:
			out = append(out, JobStatus{ID: id, Status: string(entity.StatusQueued)})
		default:
			out = append(out, JobStatus{ID: id, Status: StatusNotFound})
		}
	}
	return out
}

// CheckFingerprints partitions a batch into duplicates, upgrades and unseen
// with one store round trip.
func (s *JobService) CheckFingerprints(ctx context.Context, fps []string) (fingerprint.Partition, error) {
	if len(fps) > fingerprint.MaxBatch {
		return fingerprint.Partition{}, fmt.Errorf("%w: at most %d fingerprints per request", entity.ErrInvalidInput, fingerprint.MaxBatch)
	}
	norm := make([]string, 0, len(fps))
	for _, fp := range fps {
		n, err := fingerprint.Normalize(fp)
		if err != nil {
			return fingerprint.Partition{}, err
		}
		norm = append(norm, n)
	}
	records, err := s.store.GetRecords(ctx, norm)
	if err != nil {
		return fingerprint.Partition{}, err
	}
	return fingerprint.Split(norm, records), nil
}
