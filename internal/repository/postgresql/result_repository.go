package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"readings-service/internal/entity"
)

func (s *Store) GetRecord(ctx context.Context, fingerprint string) (*entity.FingerprintRecord, error) {
	const q = `SELECT fingerprint, result_ref, complete, updated_at FROM fingerprints WHERE fingerprint = $1;`

	var rec entity.FingerprintRecord
	err := s.pool.QueryRow(ctx, q, fingerprint).Scan(&rec.Fingerprint, &rec.ResultRef, &rec.Complete, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetRecords(ctx context.Context, fingerprints []string) (map[string]entity.FingerprintRecord, error) {
	out := make(map[string]entity.FingerprintRecord, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	const q = `SELECT fingerprint, result_ref, complete, updated_at FROM fingerprints WHERE fingerprint = ANY($1);`

	rows, err := s.pool.Query(ctx, q, fingerprints)
	if err != nil {
		return nil, err
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[entity.FingerprintRecord])
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.Fingerprint] = rec
	}
	return out, nil
}

func (s *Store) GetResult(ctx context.Context, id string) (*entity.Result, error) {
	const q = `SELECT id, fingerprint, fields, created_at, updated_at FROM results WHERE id = $1;`

	var (
		r      entity.Result
		fields []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.Fingerprint, &fields, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, err
	}
	r.Fields = json.RawMessage(fields)
	return &r, nil
}

func (s *Store) SaveResult(ctx context.Context, r *entity.Result, complete bool) (string, error) {
	var ref string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsertRecord = `
INSERT INTO fingerprints (fingerprint, result_ref, complete, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint) DO UPDATE SET complete = EXCLUDED.complete, updated_at = EXCLUDED.updated_at
RETURNING result_ref;
`
		if err := tx.QueryRow(ctx, upsertRecord, r.Fingerprint, r.ID, complete, r.UpdatedAt).Scan(&ref); err != nil {
			return fmt.Errorf("upsert fingerprint: %w", err)
		}

		created := r.CreatedAt
		if created.IsZero() {
			created = r.UpdatedAt
		}
		const upsertResult = `
INSERT INTO results (id, fingerprint, fields, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at;
`
		if _, err := tx.Exec(ctx, upsertResult, ref, r.Fingerprint, string(r.Fields), created, r.UpdatedAt); err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Store) LoadShepherdState(ctx context.Context) (entity.ShepherdState, error) {
	const q = `
SELECT consecutive_failures, breaker_tripped_until, last_failure_reason, last_run_at
FROM shepherd_state WHERE id = 1;
`
	var st entity.ShepherdState
	err := s.pool.QueryRow(ctx, q).Scan(&st.ConsecutiveFailures, &st.BreakerTrippedUntil, &st.LastFailureReason, &st.LastRunAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.ShepherdState{}, nil
		}
		return entity.ShepherdState{}, err
	}
	return st, nil
}

func (s *Store) SaveShepherdState(ctx context.Context, st entity.ShepherdState) error {
	const q = `
INSERT INTO shepherd_state (id, consecutive_failures, breaker_tripped_until, last_failure_reason, last_run_at)
VALUES (1, $1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    consecutive_failures = EXCLUDED.consecutive_failures,
    breaker_tripped_until = EXCLUDED.breaker_tripped_until,
    last_failure_reason = EXCLUDED.last_failure_reason,
    last_run_at = EXCLUDED.last_run_at;
`
	_, err := s.pool.Exec(ctx, q, st.ConsecutiveFailures, st.BreakerTrippedUntil, st.LastFailureReason, st.LastRunAt)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev entity.ProgressEvent) error {
	const q = `INSERT INTO job_events (job_id, status, stage, message, created_at) VALUES ($1, $2, $3, $4, $5);`
	_, err := s.pool.Exec(ctx, q, ev.JobID, string(ev.Status), string(ev.Stage), ev.Message, ev.CreatedAt)
	return err
}

func (s *Store) LatestEvents(ctx context.Context, jobIDs []string) (map[string]entity.ProgressEvent, error) {
	out := make(map[string]entity.ProgressEvent, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	const q = `
SELECT DISTINCT ON (job_id) job_id, status, stage, message, created_at
FROM job_events
WHERE job_id = ANY($1)
ORDER BY job_id, created_at DESC, id DESC;
`
	rows, err := s.pool.Query(ctx, q, jobIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev     entity.ProgressEvent
			status string
			stage  string
		)
		if err := rows.Scan(&ev.JobID, &status, &stage, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Status = entity.JobStatus(status)
		ev.Stage = entity.Stage(stage)
		out[ev.JobID] = ev
	}
	return out, rows.Err()
}
