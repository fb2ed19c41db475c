// Package repository defines the store contract shared by every backend.
//
// Coordination between the shepherd and workers happens only through the
// conditional writes below. Each one either applies atomically to a single
// job row or reports entity.ErrLeaseLost without changing anything.
package repository

import (
	"context"
	"time"

	"readings-service/internal/entity"
)

type JobStore interface {
	// Enqueue inserts a queued (or born-completed) job. Re-submitting the
	// same id with the same input returns the stored job and created=false;
	// a different input for an existing id is entity.ErrConflict.
	Enqueue(ctx context.Context, job *entity.Job) (stored *entity.Job, created bool, err error)
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	GetJobs(ctx context.Context, ids []string) (map[string]*entity.Job, error)

	// LeaseNext moves up to limit queued jobs whose RunAfter has passed to
	// processing, one compare-and-set per job. Jobs lost to a concurrent
	// leaser are skipped.
	LeaseNext(ctx context.Context, limit int, now time.Time) ([]*entity.Job, error)

	Heartbeat(ctx context.Context, l entity.Lease, now time.Time) error
	SaveCheckpoint(ctx context.Context, l entity.Lease, cp entity.Checkpoint, now time.Time) error
	Complete(ctx context.Context, l entity.Lease, resultRef string, now time.Time) error
	Requeue(ctx context.Context, l entity.Lease, runAfter time.Time, reason string, now time.Time) error
	Fail(ctx context.Context, l entity.Lease, reason string, now time.Time) error

	// FindStale lists processing jobs whose heartbeat is at or before cutoff.
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error)
	// ReclaimStale and FailStale apply only while the job is still processing
	// with a heartbeat no newer than observed.
	ReclaimStale(ctx context.Context, id string, observed time.Time, runAfter time.Time, reason string, now time.Time) error
	FailStale(ctx context.Context, id string, observed time.Time, reason string, now time.Time) error
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)

	// MergeJobs points every completed job of a fingerprint at canonical.
	MergeJobs(ctx context.Context, fingerprint, canonical string, now time.Time) (int64, error)
}

type ResultStore interface {
	GetRecord(ctx context.Context, fingerprint string) (*entity.FingerprintRecord, error)
	// GetRecords answers a batch lookup in one round trip; unseen
	// fingerprints are absent from the map.
	GetRecords(ctx context.Context, fingerprints []string) (map[string]entity.FingerprintRecord, error)
	GetResult(ctx context.Context, id string) (*entity.Result, error)
	// SaveResult upserts the fingerprint record and its result. When the
	// fingerprint already points at a result, that result is overwritten in
	// place and its id is returned instead of r.ID.
	SaveResult(ctx context.Context, r *entity.Result, complete bool) (string, error)
}

type ShepherdStore interface {
	// LoadShepherdState returns the zero state when none was saved yet.
	LoadShepherdState(ctx context.Context) (entity.ShepherdState, error)
	SaveShepherdState(ctx context.Context, s entity.ShepherdState) error
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev entity.ProgressEvent) error
	LatestEvents(ctx context.Context, jobIDs []string) (map[string]entity.ProgressEvent, error)
}

type Store interface {
	JobStore
	ResultStore
	ShepherdStore
	EventStore
	Close() error
}
