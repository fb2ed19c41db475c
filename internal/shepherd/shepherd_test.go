package shepherd_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-service/internal/entity"
	"readings-service/internal/repository/memory"
	"readings-service/internal/shepherd"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []*entity.Job
	fail map[string]bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, job *entity.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[job.ID] {
		return errors.New("invoke failed")
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func testConfig() shepherd.Config {
	cfg := shepherd.DefaultConfig()
	cfg.DispatchBatch = 2
	cfg.StaleAfter = 5 * time.Minute
	cfg.Retention = time.Hour
	cfg.FailureThreshold = 3
	cfg.BreakerCooldown = 15 * time.Minute
	return cfg
}

func enqueue(t *testing.T, s *memory.Store, id string, at time.Time) {
	t.Helper()
	_, _, err := s.Enqueue(context.Background(), &entity.Job{
		ID: id, Status: entity.StatusQueued, InputRef: "file:///in/" + id, Fingerprint: "fp-" + id,
		Payload: []byte("img"), RunAfter: at, CreatedAt: at, UpdatedAt: at,
	})
	require.NoError(t, err)
}

// zombie leaves a processing job whose worker never reports again.
func zombie(t *testing.T, s *memory.Store, id string, at time.Time) {
	t.Helper()
	enqueue(t, s, id, at)
	jobs, err := s.LeaseNext(context.Background(), 1, at)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].ID)
}

func TestRun_DispatchesBatchAndIsolatesFailures(t *testing.T) {
	s := memory.New()
	enqueue(t, s, "a", t0)
	enqueue(t, s, "b", t0.Add(time.Second))
	enqueue(t, s, "c", t0.Add(2*time.Second))

	d := &recordingDispatcher{fail: map[string]bool{"a": true}}
	sh := shepherd.New(s, d, testConfig(), nil)

	rep, err := sh.Run(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Leased)
	assert.Equal(t, 1, rep.DispatchFailed)
	require.Len(t, d.jobs, 1)
	assert.Equal(t, "b", d.jobs[0].ID)
	assert.NotEmpty(t, d.jobs[0].LeaseID)

	c, err := s.GetJob(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, c.Status, "batch size bounds leasing")
}

func TestAudit_IsIdempotent(t *testing.T) {
	s := memory.New()
	zombie(t, s, "z", t0)
	sh := shepherd.New(s, &recordingDispatcher{}, testConfig(), nil)
	now := t0.Add(10 * time.Minute)

	st, rep := sh.Audit(context.Background(), entity.ShepherdState{}, now)
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, 1, rep.Requeued)
	assert.Equal(t, 1, st.ConsecutiveFailures)

	st, rep = sh.Audit(context.Background(), st, now)
	assert.Zero(t, rep.Stale)
	assert.Zero(t, st.ConsecutiveFailures)

	got, err := s.GetJob(context.Background(), "z")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestAudit_FailsZombieOutOfRetries(t *testing.T) {
	s := memory.New()
	zombie(t, s, "z", t0)
	cfg := testConfig()
	cfg.Policy.MaxRetries = 0
	sh := shepherd.New(s, &recordingDispatcher{}, cfg, nil)

	_, rep := sh.Audit(context.Background(), entity.ShepherdState{}, t0.Add(10*time.Minute))
	assert.Equal(t, 1, rep.Failed)

	got, err := s.GetJob(context.Background(), "z")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Contains(t, *got.Error, "stale heartbeat")
}

func TestAudit_PurgesExpiredTerminalJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	zombie(t, s, "done", t0)
	require.NoError(t, s.Complete(ctx, entity.Lease{JobID: "done", LeaseID: mustLease(t, s, "done")}, "r", t0))

	sh := shepherd.New(s, &recordingDispatcher{}, testConfig(), nil)
	_, rep := sh.Audit(ctx, entity.ShepherdState{}, t0.Add(2*time.Hour))
	assert.Equal(t, int64(1), rep.Purged)

	_, err := s.GetJob(ctx, "done")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func mustLease(t *testing.T, s *memory.Store, id string) string {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.LeaseID
}

// flakyStore fails one job's reclaim to prove the rest of the audit goes on.
type flakyStore struct {
	*memory.Store
	badID string
}

func (f flakyStore) ReclaimStale(ctx context.Context, id string, observed, runAfter time.Time, reason string, now time.Time) error {
	if id == f.badID {
		return errors.New("write timeout")
	}
	return f.Store.ReclaimStale(ctx, id, observed, runAfter, reason, now)
}

func TestAudit_PerJobErrorsDoNotAbort(t *testing.T) {
	s := memory.New()
	zombie(t, s, "bad", t0)
	zombie(t, s, "good", t0.Add(time.Second))

	sh := shepherd.New(flakyStore{Store: s, badID: "bad"}, &recordingDispatcher{}, testConfig(), nil)
	_, rep := sh.Audit(context.Background(), entity.ShepherdState{}, t0.Add(10*time.Minute))
	assert.Equal(t, 2, rep.Stale)
	assert.Equal(t, 1, rep.Requeued)

	got, err := s.GetJob(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
}

func TestBreaker_TripsAfterThresholdAndResumes(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	// Zombies fail outright so none is leased again by a later run.
	cfg.Policy.MaxRetries = 0
	d := &recordingDispatcher{}
	sh := shepherd.New(s, d, cfg, nil)

	now := t0
	for i := 0; i < cfg.FailureThreshold; i++ {
		zombie(t, s, "z"+string(rune('a'+i)), now)
		now = now.Add(10 * time.Minute)
		rep, err := sh.Run(ctx, now)
		require.NoError(t, err)
		require.False(t, rep.Skipped)
		require.Equal(t, 1, rep.Stale)
	}

	st, err := s.LoadShepherdState(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.BreakerTrippedUntil)
	assert.True(t, st.BreakerTrippedUntil.Equal(now.Add(cfg.BreakerCooldown)))

	enqueue(t, s, "waiting", now)
	dispatched := len(d.jobs)
	rep, err := sh.Run(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, dispatched, len(d.jobs), "no leasing while the breaker is open")

	waiting, err := s.GetJob(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, waiting.Status)

	rep, err = sh.Run(ctx, now.Add(cfg.BreakerCooldown+time.Minute))
	require.NoError(t, err)
	assert.False(t, rep.Skipped)
	assert.Positive(t, rep.Leased)

	st, err = s.LoadShepherdState(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.BreakerTrippedUntil)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestUpdateBreaker(t *testing.T) {
	st := shepherd.UpdateBreaker(entity.ShepherdState{ConsecutiveFailures: 2}, 3, time.Minute, t0)
	assert.Nil(t, st.BreakerTrippedUntil)

	st = shepherd.UpdateBreaker(entity.ShepherdState{ConsecutiveFailures: 4}, 3, time.Minute, t0)
	require.NotNil(t, st.BreakerTrippedUntil)
	assert.True(t, st.Tripped(t0))
	assert.False(t, st.Tripped(t0.Add(time.Minute)))
}

func TestRetryCountIsMonotoneAndBounded(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	cfg := testConfig()
	sh := shepherd.New(s, &recordingDispatcher{}, cfg, nil)
	zombie(t, s, "z", t0)

	now := t0
	last := 0
	for i := 0; i < 6; i++ {
		now = now.Add(time.Hour)
		sh.Audit(ctx, entity.ShepherdState{}, now)
		j, err := s.GetJob(ctx, "z")
		require.NoError(t, err)
		require.GreaterOrEqual(t, j.RetryCount, last)
		require.LessOrEqual(t, j.RetryCount, cfg.Policy.MaxRetries)
		last = j.RetryCount
		if j.Status == entity.StatusFailed {
			assert.Equal(t, cfg.Policy.MaxRetries, j.RetryCount)
			return
		}
		// Past any backoff, and stale again by the next audit.
		jobs, err := s.LeaseNext(ctx, 1, now.Add(45*time.Minute))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
	}
	t.Fatal("job never reached failed")
}
