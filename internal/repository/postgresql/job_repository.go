package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"readings-service/internal/entity"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

const jobColumns = `id, status, input_ref, fingerprint, force_reanalysis, payload, retry_count, lease_id,
last_heartbeat, run_after, checkpoint, result_ref, error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		statusText string
		leaseID    *string
		checkpoint []byte
	)
	if err := row.Scan(
		&job.ID,
		&statusText,
		&job.InputRef,
		&job.Fingerprint,
		&job.ForceReanalysis,
		&job.Payload,
		&job.RetryCount,
		&leaseID,
		&job.LastHeartbeat, // NULL => nil
		&job.RunAfter,
		&checkpoint,
		&job.ResultRef,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	if leaseID != nil {
		job.LeaseID = *leaseID
	}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &job.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint of job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeCheckpoint(cp entity.Checkpoint) (any, error) {
	if cp.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return string(b), nil
}

func (s *Store) Enqueue(ctx context.Context, job *entity.Job) (*entity.Job, bool, error) {
	cp, err := encodeCheckpoint(job.Checkpoint)
	if err != nil {
		return nil, false, err
	}

	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := s.pool.Exec(ctx, q,
		job.ID, string(job.Status), job.InputRef, job.Fingerprint, job.ForceReanalysis, job.Payload,
		job.RetryCount, job.RunAfter, cp, job.ResultRef, job.Error,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return job, true, nil
	}

	cur, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	if !cur.SameInput(job) {
		return nil, false, entity.ErrConflict
	}
	return cur, false, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	j, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*entity.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) GetJobs(ctx context.Context, ids []string) (map[string]*entity.Job, error) {
	out := make(map[string]*entity.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ANY($1);`
	jobs, err := s.queryJobs(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		out[j.ID] = j
	}
	return out, nil
}

func (s *Store) LeaseNext(ctx context.Context, limit int, now time.Time) ([]*entity.Job, error) {
	const sel = `
SELECT id FROM jobs
WHERE status = 'queued' AND run_after <= $1
ORDER BY created_at, id
LIMIT $2;
`
	rows, err := s.pool.Query(ctx, sel, now, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	lease := `
UPDATE jobs
SET status = 'processing', lease_id = $2, last_heartbeat = $3, updated_at = $3
WHERE id = $1 AND status = 'queued'
RETURNING ` + jobColumns + `;`

	out := make([]*entity.Job, 0, len(ids))
	for _, id := range ids {
		j, err := scanJob(s.pool.QueryRow(ctx, lease, id, uuid.NewString(), now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

func guarded(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrLeaseLost
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, l entity.Lease, now time.Time) error {
	const q = `
UPDATE jobs SET last_heartbeat = $3, updated_at = $3
WHERE id = $1 AND status = 'processing' AND lease_id = $2;
`
	return guarded(s.pool.Exec(ctx, q, l.JobID, l.LeaseID, now))
}

func (s *Store) SaveCheckpoint(ctx context.Context, l entity.Lease, cp entity.Checkpoint, now time.Time) error {
	enc, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	const q = `
UPDATE jobs SET checkpoint = $3, payload = NULL, last_heartbeat = $4, updated_at = $4
WHERE id = $1 AND status = 'processing' AND lease_id = $2;
`
	return guarded(s.pool.Exec(ctx, q, l.JobID, l.LeaseID, enc, now))
}

func (s *Store) Complete(ctx context.Context, l entity.Lease, resultRef string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'completed', result_ref = $3, error = NULL, payload = NULL, lease_id = NULL,
    completed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'processing' AND lease_id = $2;
`
	return guarded(s.pool.Exec(ctx, q, l.JobID, l.LeaseID, resultRef, now))
}

func (s *Store) Requeue(ctx context.Context, l entity.Lease, runAfter time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'queued', retry_count = retry_count + 1, run_after = $3, error = $4, lease_id = NULL, updated_at = $5
WHERE id = $1 AND status = 'processing' AND lease_id = $2;
`
	return guarded(s.pool.Exec(ctx, q, l.JobID, l.LeaseID, runAfter, reason, now))
}

func (s *Store) Fail(ctx context.Context, l entity.Lease, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = $3, payload = NULL, lease_id = NULL, completed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'processing' AND lease_id = $2;
`
	return guarded(s.pool.Exec(ctx, q, l.JobID, l.LeaseID, reason, now))
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE status = 'processing' AND last_heartbeat <= $1
ORDER BY last_heartbeat
LIMIT $2;`
	return s.queryJobs(ctx, q, cutoff, limit)
}

func (s *Store) ReclaimStale(ctx context.Context, id string, observed, runAfter time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'queued', retry_count = retry_count + 1, run_after = $3, error = $4, lease_id = NULL, updated_at = $5
WHERE id = $1 AND status = 'processing' AND last_heartbeat <= $2;
`
	return guarded(s.pool.Exec(ctx, q, id, observed, runAfter, reason, now))
}

func (s *Store) FailStale(ctx context.Context, id string, observed time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = $3, payload = NULL, lease_id = NULL, completed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'processing' AND last_heartbeat <= $2;
`
	return guarded(s.pool.Exec(ctx, q, id, observed, reason, now))
}

func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM jobs WHERE status IN ('completed', 'failed') AND COALESCE(completed_at, updated_at) <= $1;`
	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) MergeJobs(ctx context.Context, fingerprint, canonical string, now time.Time) (int64, error) {
	const q = `
UPDATE jobs SET result_ref = $2, updated_at = $3
WHERE fingerprint = $1 AND status = 'completed' AND result_ref IS DISTINCT FROM $2;
`
	tag, err := s.pool.Exec(ctx, q, fingerprint, canonical, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
