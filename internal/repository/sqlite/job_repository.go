package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readings-service/internal/entity"
)

const jobColumns = `id, status, input_ref, fingerprint, force_reanalysis, payload, retry_count, lease_id,
last_heartbeat, run_after, checkpoint, result_ref, error, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*entity.Job, error) {
	var (
		j          entity.Job
		status     string
		force      int64
		leaseID    sql.NullString
		heartbeat  sql.NullInt64
		runAfter   int64
		checkpoint sql.NullString
		resultRef  sql.NullString
		errText    sql.NullString
		createdAt  int64
		updatedAt  int64
		completed  sql.NullInt64
	)
	if err := sc.Scan(
		&j.ID, &status, &j.InputRef, &j.Fingerprint, &force, &j.Payload, &j.RetryCount, &leaseID,
		&heartbeat, &runAfter, &checkpoint, &resultRef, &errText, &createdAt, &updatedAt, &completed,
	); err != nil {
		return nil, err
	}

	j.Status = entity.JobStatus(status)
	j.ForceReanalysis = force != 0
	j.LeaseID = leaseID.String
	j.LastHeartbeat = fromNullNanos(heartbeat)
	j.RunAfter = fromNanos(runAfter)
	if checkpoint.Valid && checkpoint.String != "" {
		if err := json.Unmarshal([]byte(checkpoint.String), &j.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint of job %s: %w", j.ID, err)
		}
	}
	if resultRef.Valid {
		j.ResultRef = &resultRef.String
	}
	if errText.Valid {
		j.Error = &errText.String
	}
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.CompletedAt = fromNullNanos(completed)
	return &j, nil
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

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (s *Store) Enqueue(ctx context.Context, job *entity.Job) (*entity.Job, bool, error) {
	cp, err := encodeCheckpoint(job.Checkpoint)
	if err != nil {
		return nil, false, err
	}

	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		job.ID, string(job.Status), job.InputRef, job.Fingerprint, boolInt(job.ForceReanalysis), job.Payload,
		job.RetryCount, toNanos(job.RunAfter), cp, nullString(job.ResultRef), nullString(job.Error),
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt), nullNanos(job.CompletedAt),
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
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
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?;`

	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*entity.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id IN (` + placeholders(len(ids)) + `);`
	jobs, err := s.queryJobs(ctx, q, stringArgs(ids)...)
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
WHERE status = 'queued' AND run_after <= ?
ORDER BY created_at, id
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, sel, toNanos(now), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	lease := `
UPDATE jobs
SET status = 'processing', lease_id = ?, last_heartbeat = ?, updated_at = ?
WHERE id = ? AND status = 'queued'
RETURNING ` + jobColumns + `;`

	out := make([]*entity.Job, 0, len(ids))
	for _, id := range ids {
		j, err := scanJob(s.db.QueryRowContext(ctx, lease, uuid.NewString(), toNanos(now), toNanos(now), id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// execGuarded runs a conditional update and maps zero affected rows to
// entity.ErrLeaseLost.
func (s *Store) execGuarded(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entity.ErrLeaseLost
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, l entity.Lease, now time.Time) error {
	const q = `
UPDATE jobs SET last_heartbeat = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND lease_id = ?;
`
	return s.execGuarded(ctx, q, toNanos(now), toNanos(now), l.JobID, l.LeaseID)
}

func (s *Store) SaveCheckpoint(ctx context.Context, l entity.Lease, cp entity.Checkpoint, now time.Time) error {
	enc, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	const q = `
UPDATE jobs SET checkpoint = ?, payload = NULL, last_heartbeat = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND lease_id = ?;
`
	return s.execGuarded(ctx, q, enc, toNanos(now), toNanos(now), l.JobID, l.LeaseID)
}

func (s *Store) Complete(ctx context.Context, l entity.Lease, resultRef string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'completed', result_ref = ?, error = NULL, payload = NULL, lease_id = NULL,
    completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND lease_id = ?;
`
	return s.execGuarded(ctx, q, resultRef, toNanos(now), toNanos(now), l.JobID, l.LeaseID)
}

func (s *Store) Requeue(ctx context.Context, l entity.Lease, runAfter time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'queued', retry_count = retry_count + 1, run_after = ?, error = ?, lease_id = NULL, updated_at = ?
WHERE id = ? AND status = 'processing' AND lease_id = ?;
`
	return s.execGuarded(ctx, q, toNanos(runAfter), reason, toNanos(now), l.JobID, l.LeaseID)
}

func (s *Store) Fail(ctx context.Context, l entity.Lease, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = ?, payload = NULL, lease_id = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND lease_id = ?;
`
	return s.execGuarded(ctx, q, reason, toNanos(now), toNanos(now), l.JobID, l.LeaseID)
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE status = 'processing' AND last_heartbeat IS NOT NULL AND last_heartbeat <= ?
ORDER BY last_heartbeat
LIMIT ?;`
	return s.queryJobs(ctx, q, toNanos(cutoff), limit)
}

func (s *Store) ReclaimStale(ctx context.Context, id string, observed, runAfter time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'queued', retry_count = retry_count + 1, run_after = ?, error = ?, lease_id = NULL, updated_at = ?
WHERE id = ? AND status = 'processing' AND last_heartbeat <= ?;
`
	return s.execGuarded(ctx, q, toNanos(runAfter), reason, toNanos(now), id, toNanos(observed))
}

func (s *Store) FailStale(ctx context.Context, id string, observed time.Time, reason string, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'failed', error = ?, payload = NULL, lease_id = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing' AND last_heartbeat <= ?;
`
	return s.execGuarded(ctx, q, reason, toNanos(now), toNanos(now), id, toNanos(observed))
}

func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM jobs WHERE status IN ('completed', 'failed') AND COALESCE(completed_at, updated_at) <= ?;`
	res, err := s.db.ExecContext(ctx, q, toNanos(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) MergeJobs(ctx context.Context, fingerprint, canonical string, now time.Time) (int64, error) {
	const q = `
UPDATE jobs SET result_ref = ?, updated_at = ?
WHERE fingerprint = ? AND status = 'completed' AND (result_ref IS NULL OR result_ref <> ?);
`
	res, err := s.db.ExecContext(ctx, q, canonical, toNanos(now), fingerprint, canonical)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
