package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"readings-service/internal/entity"
)

func (s *Store) GetRecord(ctx context.Context, fingerprint string) (*entity.FingerprintRecord, error) {
	const q = `SELECT fingerprint, result_ref, complete, updated_at FROM fingerprints WHERE fingerprint = ?;`

	var (
		rec       entity.FingerprintRecord
		complete  int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, fingerprint).Scan(&rec.Fingerprint, &rec.ResultRef, &complete, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	rec.Complete = complete != 0
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

func (s *Store) GetRecords(ctx context.Context, fingerprints []string) (map[string]entity.FingerprintRecord, error) {
	out := make(map[string]entity.FingerprintRecord, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	q := `SELECT fingerprint, result_ref, complete, updated_at FROM fingerprints
WHERE fingerprint IN (` + placeholders(len(fingerprints)) + `);`

	rows, err := s.db.QueryContext(ctx, q, stringArgs(fingerprints)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec       entity.FingerprintRecord
			complete  int64
			updatedAt int64
		)
		if err := rows.Scan(&rec.Fingerprint, &rec.ResultRef, &complete, &updatedAt); err != nil {
			return nil, err
		}
		rec.Complete = complete != 0
		rec.UpdatedAt = fromNanos(updatedAt)
		out[rec.Fingerprint] = rec
	}
	return out, rows.Err()
}

func (s *Store) GetResult(ctx context.Context, id string) (*entity.Result, error) {
	const q = `SELECT id, fingerprint, fields, created_at, updated_at FROM results WHERE id = ?;`

	var (
		r         entity.Result
		fields    string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&r.ID, &r.Fingerprint, &fields, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	r.Fields = json.RawMessage(fields)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

func (s *Store) SaveResult(ctx context.Context, r *entity.Result, complete bool) (ref string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsertRecord = `
INSERT INTO fingerprints (fingerprint, result_ref, complete, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET complete = excluded.complete, updated_at = excluded.updated_at
RETURNING result_ref;
`
	if err = tx.QueryRowContext(ctx, upsertRecord,
		r.Fingerprint, r.ID, boolInt(complete), toNanos(r.UpdatedAt),
	).Scan(&ref); err != nil {
		return "", fmt.Errorf("upsert fingerprint: %w", err)
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = r.UpdatedAt
	}
	const upsertResult = `
INSERT INTO results (id, fingerprint, fields, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at;
`
	if _, err = tx.ExecContext(ctx, upsertResult,
		ref, r.Fingerprint, string(r.Fields), toNanos(created), toNanos(r.UpdatedAt),
	); err != nil {
		return "", fmt.Errorf("upsert result: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Store) LoadShepherdState(ctx context.Context) (entity.ShepherdState, error) {
	const q = `
SELECT consecutive_failures, breaker_tripped_until, last_failure_reason, last_run_at
FROM shepherd_state WHERE id = 1;
`
	var (
		st      entity.ShepherdState
		tripped sql.NullInt64
		lastRun sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, q).Scan(&st.ConsecutiveFailures, &tripped, &st.LastFailureReason, &lastRun)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.ShepherdState{}, nil
		}
		return entity.ShepherdState{}, err
	}
	st.BreakerTrippedUntil = fromNullNanos(tripped)
	st.LastRunAt = fromNullNanos(lastRun)
	return st, nil
}

func (s *Store) SaveShepherdState(ctx context.Context, st entity.ShepherdState) error {
	const q = `
INSERT INTO shepherd_state (id, consecutive_failures, breaker_tripped_until, last_failure_reason, last_run_at)
VALUES (1, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    consecutive_failures = excluded.consecutive_failures,
    breaker_tripped_until = excluded.breaker_tripped_until,
    last_failure_reason = excluded.last_failure_reason,
    last_run_at = excluded.last_run_at;
`
	_, err := s.db.ExecContext(ctx, q,
		st.ConsecutiveFailures, nullNanos(st.BreakerTrippedUntil), st.LastFailureReason, nullNanos(st.LastRunAt),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev entity.ProgressEvent) error {
	const q = `INSERT INTO job_events (job_id, status, stage, message, created_at) VALUES (?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, q, ev.JobID, string(ev.Status), string(ev.Stage), ev.Message, toNanos(ev.CreatedAt))
	return err
}

func (s *Store) LatestEvents(ctx context.Context, jobIDs []string) (map[string]entity.ProgressEvent, error) {
	out := make(map[string]entity.ProgressEvent, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	q := `SELECT job_id, status, stage, message, created_at FROM job_events
WHERE job_id IN (` + placeholders(len(jobIDs)) + `)
ORDER BY created_at, id;`

	rows, err := s.db.QueryContext(ctx, q, stringArgs(jobIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        entity.ProgressEvent
			status    string
			stage     string
			createdAt int64
		)
		if err := rows.Scan(&ev.JobID, &status, &stage, &ev.Message, &createdAt); err != nil {
			return nil, err
		}
		ev.Status = entity.JobStatus(status)
		ev.Stage = entity.Stage(stage)
		ev.CreatedAt = fromNanos(createdAt)
		out[ev.JobID] = ev
	}
	return out, rows.Err()
}
