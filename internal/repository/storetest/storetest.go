// Package storetest holds the conditional-write contract every store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-service/internal/entity"
	"readings-service/internal/repository"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, at time.Time) *entity.Job {
	return &entity.Job{
		ID:          id,
		Status:      entity.StatusQueued,
		InputRef:    "file:///inbox/" + id + ".jpg",
		Fingerprint: "fp-" + id,
		Payload:     []byte("image-bytes"),
		RunAfter:    at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// Run executes the contract against fresh stores from open.
func Run(t *testing.T, open func(t *testing.T) repository.Store) {
	t.Run("EnqueueIdempotentAndConflict", func(t *testing.T) { testEnqueue(t, open(t)) })
	t.Run("LeaseExactlyOneWinner", func(t *testing.T) { testLeaseRace(t, open(t)) })
	t.Run("LeaseHonoursRunAfter", func(t *testing.T) { testRunAfter(t, open(t)) })
	t.Run("GuardedWrites", func(t *testing.T) { testGuardedWrites(t, open(t)) })
	t.Run("RequeueAndFail", func(t *testing.T) { testRequeueFail(t, open(t)) })
	t.Run("StaleAudit", func(t *testing.T) { testStale(t, open(t)) })
	t.Run("PurgeTerminal", func(t *testing.T) { testPurge(t, open(t)) })
	t.Run("PurgeIgnoresLaterMerges", func(t *testing.T) { testPurgeAfterMerge(t, open(t)) })
	t.Run("ResultsUpsertByFingerprint", func(t *testing.T) { testResults(t, open(t)) })
	t.Run("MergeJobs", func(t *testing.T) { testMerge(t, open(t)) })
	t.Run("ShepherdState", func(t *testing.T) { testShepherdState(t, open(t)) })
	t.Run("LatestEvents", func(t *testing.T) { testEvents(t, open(t)) })
}

func leaseOne(t *testing.T, s repository.Store, now time.Time) *entity.Job {
	t.Helper()
	jobs, err := s.LeaseNext(context.Background(), 1, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func testEnqueue(t *testing.T, s repository.Store) {
	ctx := context.Background()
	j := newJob("j1", base)

	stored, created, err := s.Enqueue(ctx, j)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, entity.StatusQueued, stored.Status)

	again, created, err := s.Enqueue(ctx, newJob("j1", base.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "j1", again.ID)

	other := newJob("j1", base)
	other.Fingerprint = "fp-other"
	_, _, err = s.Enqueue(ctx, other)
	assert.ErrorIs(t, err, entity.ErrConflict)

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "fp-j1", got.Fingerprint)
	assert.Equal(t, []byte("image-bytes"), got.Payload)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	many, err := s.GetJobs(ctx, []string{"j1", "missing"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
	assert.Contains(t, many, "j1")
}

func testLeaseRace(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("race", base))
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*entity.Job
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.LeaseNext(ctx, 5, base)
			assert.NoError(t, err)
			mu.Lock()
			winners = append(winners, jobs...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, entity.StatusProcessing, winners[0].Status)
	assert.NotEmpty(t, winners[0].LeaseID)
	require.NotNil(t, winners[0].LastHeartbeat)
	assert.True(t, winners[0].LastHeartbeat.Equal(base))
}

func testRunAfter(t *testing.T, s repository.Store) {
	ctx := context.Background()
	later := newJob("later", base)
	later.RunAfter = base.Add(10 * time.Minute)
	_, _, err := s.Enqueue(ctx, later)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, newJob("now", base.Add(time.Second)))
	require.NoError(t, err)

	jobs, err := s.LeaseNext(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "now", jobs[0].ID)

	jobs, err = s.LeaseNext(ctx, 10, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)
}

func testGuardedWrites(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("g", base))
	require.NoError(t, err)
	j := leaseOne(t, s, base)

	forged := entity.Lease{JobID: j.ID, LeaseID: uuid.NewString()}
	assert.ErrorIs(t, s.Heartbeat(ctx, forged, base.Add(time.Second)), entity.ErrLeaseLost)
	assert.ErrorIs(t, s.Complete(ctx, forged, "r", base.Add(time.Second)), entity.ErrLeaseLost)

	require.NoError(t, s.Heartbeat(ctx, j.Lease(), base.Add(30*time.Second)))

	cp := entity.Checkpoint{Stage: entity.StageExtracted, Raw: json.RawMessage(`{"device_id":"m-1"}`)}
	require.NoError(t, s.SaveCheckpoint(ctx, j.Lease(), cp, base.Add(40*time.Second)))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Payload, "payload is stripped at the first durable checkpoint")
	assert.Equal(t, entity.StageExtracted, got.Checkpoint.Stage)
	assert.JSONEq(t, `{"device_id":"m-1"}`, string(got.Checkpoint.Raw))
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, got.LastHeartbeat.Equal(base.Add(40*time.Second)))

	require.NoError(t, s.Complete(ctx, j.Lease(), "result-1", base.Add(time.Minute)))
	assert.ErrorIs(t, s.Complete(ctx, j.Lease(), "result-2", base.Add(time.Minute)), entity.ErrLeaseLost)

	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "result-1", *got.ResultRef)
	assert.NotNil(t, got.CompletedAt)
}

func testRequeueFail(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("r", base))
	require.NoError(t, err)

	j := leaseOne(t, s, base)
	require.NoError(t, s.Requeue(ctx, j.Lease(), base.Add(30*time.Second), "transient: timeout", base))
	assert.ErrorIs(t, s.Requeue(ctx, j.Lease(), base, "again", base), entity.ErrLeaseLost)

	got, err := s.GetJob(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "transient: timeout", *got.Error)
	assert.Equal(t, []byte("image-bytes"), got.Payload, "payload survives a requeue before any checkpoint")

	j = leaseOne(t, s, base.Add(time.Minute))
	require.NoError(t, s.Fail(ctx, j.Lease(), "fatal: malformed", base.Add(time.Minute)))

	got, err = s.GetJob(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.Payload)
	require.NotNil(t, got.Error)
	assert.Equal(t, "fatal: malformed", *got.Error)
}

func testStale(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("a", base))
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, newJob("b", base.Add(time.Second)))
	require.NoError(t, err)

	jobs, err := s.LeaseNext(ctx, 2, base)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	cutoff := base.Add(time.Minute)
	stale, err := s.FindStale(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	// b's worker heartbeats after the audit observed it.
	var b *entity.Job
	for _, j := range jobs {
		if j.ID == "b" {
			b = j
		}
	}
	require.NotNil(t, b)
	require.NoError(t, s.Heartbeat(ctx, b.Lease(), base.Add(2*time.Minute)))

	for _, j := range stale {
		err := s.ReclaimStale(ctx, j.ID, *j.LastHeartbeat, base.Add(3*time.Minute), "stale heartbeat", base.Add(2*time.Minute))
		if j.ID == "b" {
			assert.ErrorIs(t, err, entity.ErrLeaseLost, "a live heartbeat wins over the audit")
		} else {
			assert.NoError(t, err)
		}
	}

	got, err := s.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// A second audit pass finds nothing left to reclaim for a.
	err = s.ReclaimStale(ctx, "a", base, base, "stale heartbeat", base.Add(2*time.Minute))
	assert.ErrorIs(t, err, entity.ErrLeaseLost)

	require.NoError(t, s.FailStale(ctx, "b", base.Add(2*time.Minute), "stale heartbeat", base.Add(5*time.Minute)))
	got, err = s.GetJob(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.ErrorIs(t, s.Heartbeat(ctx, b.Lease(), base.Add(6*time.Minute)), entity.ErrLeaseLost)
}

func testPurge(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("old", base))
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, newJob("queued", base.Add(time.Second)))
	require.NoError(t, err)

	j := leaseOne(t, s, base)
	require.Equal(t, "old", j.ID)
	require.NoError(t, s.Complete(ctx, j.Lease(), "r", base))

	n, err := s.PurgeTerminal(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgeTerminal(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, "old")
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = s.GetJob(ctx, "queued")
	assert.NoError(t, err)
}

// Retention counts from completion; repointing a job at a canonical result
// later must not keep it alive.
func testPurgeAfterMerge(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, newJob("done", base))
	require.NoError(t, err)

	j := leaseOne(t, s, base)
	require.NoError(t, s.Complete(ctx, j.Lease(), "r-old", base))

	n, err := s.MergeJobs(ctx, j.Fingerprint, "r-new", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.PurgeTerminal(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetJob(ctx, "done")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func testResults(t *testing.T, s repository.Store) {
	ctx := context.Background()

	_, err := s.GetRecord(ctx, "fp")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	ref, err := s.SaveResult(ctx, &entity.Result{
		ID: "res-1", Fingerprint: "fp", Fields: json.RawMessage(`{"device_id":"m-1"}`), UpdatedAt: base,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "res-1", ref)

	// A racing second writer lands on the same canonical result.
	ref, err = s.SaveResult(ctx, &entity.Result{
		ID: "res-2", Fingerprint: "fp", Fields: json.RawMessage(`{"device_id":"m-1","observed_at":"x"}`), UpdatedAt: base.Add(time.Minute),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "res-1", ref)

	rec, err := s.GetRecord(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "res-1", rec.ResultRef)
	assert.True(t, rec.Complete)

	res, err := s.GetResult(ctx, "res-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"m-1","observed_at":"x"}`, string(res.Fields))
	assert.True(t, res.CreatedAt.Equal(base))

	_, err = s.GetResult(ctx, "res-2")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	recs, err := s.GetRecords(ctx, []string{"fp", "unseen"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "res-1", recs["fp"].ResultRef)
}

func testMerge(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for i, id := range []string{"m1", "m2"} {
		j := newJob(id, base.Add(time.Duration(i)*time.Second))
		j.Fingerprint = "fp-shared"
		_, _, err := s.Enqueue(ctx, j)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		j := leaseOne(t, s, base)
		require.NoError(t, s.Complete(ctx, j.Lease(), "res-"+j.ID, base))
	}

	n, err := s.MergeJobs(ctx, "fp-shared", "res-m1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetJob(ctx, "m2")
	require.NoError(t, err)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "res-m1", *got.ResultRef)
}

func testShepherdState(t *testing.T, s repository.Store) {
	ctx := context.Background()

	st, err := s.LoadShepherdState(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.ShepherdState{}, st)

	until := base.Add(15 * time.Minute)
	require.NoError(t, s.SaveShepherdState(ctx, entity.ShepherdState{
		ConsecutiveFailures: 3,
		BreakerTrippedUntil: &until,
		LastFailureReason:   "3 stale jobs",
		LastRunAt:           &base,
	}))

	st, err = s.LoadShepherdState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, "3 stale jobs", st.LastFailureReason)
	require.NotNil(t, st.BreakerTrippedUntil)
	assert.True(t, st.BreakerTrippedUntil.Equal(until))
	assert.True(t, st.Tripped(base))
	assert.False(t, st.Tripped(until.Add(time.Second)))
}

func testEvents(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, entity.ProgressEvent{JobID: "e", Status: entity.StatusQueued, CreatedAt: base}))
	require.NoError(t, s.AppendEvent(ctx, entity.ProgressEvent{
		JobID: "e", Status: entity.StatusProcessing, Stage: entity.StageExtracted, Message: "extracted", CreatedAt: base.Add(time.Second),
	}))

	evs, err := s.LatestEvents(ctx, []string{"e", "none"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, entity.StatusProcessing, evs["e"].Status)
	assert.Equal(t, entity.StageExtracted, evs["e"].Stage)
}
