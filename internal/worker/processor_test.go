package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readings-service/internal/entity"
	"readings-service/internal/extraction"
	"readings-service/internal/jobstate"
	"readings-service/internal/repository/memory"
	"readings-service/internal/worker"
)

var (
	t0       = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	critical = []string{"device_id", "observed_at", "readings"}
	complete = json.RawMessage(`{"device_id":"m-7","observed_at":"2026-04-01T10:00:00Z","readings":[{"name":"kwh","value":812.4}]}`)
	partial  = json.RawMessage(`{"device_id":"m-7","readings":[{"name":"kwh","value":812.4}]}`)
)

type fakeExtractor struct {
	calls atomic.Int32
	out   json.RawMessage
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte) (json.RawMessage, error) {
	f.calls.Add(1)
	return f.out, f.err
}

type loaderStub struct {
	refs []string
}

func (l *loaderStub) Load(ctx context.Context, ref string) ([]byte, error) {
	l.refs = append(l.refs, ref)
	return []byte("loaded-image"), nil
}

func newProcessor(t *testing.T, store worker.Store, ex extraction.Extractor, loader extraction.Loader) *worker.Processor {
	t.Helper()
	m, err := extraction.NewMapper()
	require.NoError(t, err)
	return worker.NewProcessor(store, ex, loader, m, worker.Config{
		Policy:            jobstate.DefaultPolicy(),
		CriticalFields:    critical,
		HeartbeatInterval: time.Hour,
		Now:               func() time.Time { return t0 },
	}, nil)
}

func enqueueAndLease(t *testing.T, s *memory.Store, id, fp string) *entity.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, &entity.Job{
		ID: id, Status: entity.StatusQueued, InputRef: "file:///in/" + id, Fingerprint: fp,
		Payload: []byte("img"), RunAfter: t0, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	jobs, err := s.LeaseNext(ctx, 1, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestProcess_NewFingerprintCompletes(t *testing.T) {
	s := memory.New()
	ex := &fakeExtractor{out: complete}
	p := newProcessor(t, s, ex, &loaderStub{})
	j := enqueueAndLease(t, s, "j1", "fp1")

	require.NoError(t, p.Process(context.Background(), j.Lease()))

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Nil(t, got.Payload)
	require.NotNil(t, got.ResultRef)

	rec, err := s.GetRecord(context.Background(), "fp1")
	require.NoError(t, err)
	assert.True(t, rec.Complete)
	assert.Equal(t, *got.ResultRef, rec.ResultRef)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestProcess_DuplicateSkipsExtraction(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.SaveResult(ctx, &entity.Result{ID: "canon", Fingerprint: "fp1", Fields: complete, UpdatedAt: t0}, true)
	require.NoError(t, err)

	ex := &fakeExtractor{out: complete}
	p := newProcessor(t, s, ex, &loaderStub{})
	j := enqueueAndLease(t, s, "j2", "fp1")

	require.NoError(t, p.Process(ctx, j.Lease()))

	got, err := s.GetJob(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, "canon", *got.ResultRef)
	assert.Zero(t, ex.calls.Load())
}

func TestProcess_ForceReanalysisExtractsAgain(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.SaveResult(ctx, &entity.Result{ID: "canon", Fingerprint: "fp1", Fields: complete, UpdatedAt: t0}, true)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, &entity.Job{
		ID: "forced", Status: entity.StatusQueued, Fingerprint: "fp1", ForceReanalysis: true,
		Payload: []byte("img"), RunAfter: t0, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	jobs, err := s.LeaseNext(ctx, 1, t0)
	require.NoError(t, err)

	ex := &fakeExtractor{out: json.RawMessage(`{"device_id":"m-7","notes":"re-read"}`)}
	p := newProcessor(t, s, ex, &loaderStub{})
	require.NoError(t, p.Process(ctx, jobs[0].Lease()))

	assert.Equal(t, int32(1), ex.calls.Load())
	res, err := s.GetResult(ctx, "canon")
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"m-7","observed_at":"2026-04-01T10:00:00Z","readings":[{"name":"kwh","value":812.4}],"notes":"re-read"}`, string(res.Fields))

	rec, err := s.GetRecord(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, rec.Complete, "a forced re-read never lowers completeness")
}

func TestProcess_UpgradeOverwritesCanonicalAndMergesJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	first := enqueueAndLease(t, s, "first", "fp1")
	p := newProcessor(t, s, &fakeExtractor{out: partial}, &loaderStub{})
	require.NoError(t, p.Process(ctx, first.Lease()))

	rec, err := s.GetRecord(ctx, "fp1")
	require.NoError(t, err)
	require.False(t, rec.Complete)
	canonical := rec.ResultRef

	second := enqueueAndLease(t, s, "second", "fp1")
	p = newProcessor(t, s, &fakeExtractor{out: json.RawMessage(`{"observed_at":"2026-04-01T10:00:00Z"}`)}, &loaderStub{})
	require.NoError(t, p.Process(ctx, second.Lease()))

	rec, err = s.GetRecord(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, rec.Complete)
	assert.Equal(t, canonical, rec.ResultRef, "upgrade overwrites in place")

	for _, id := range []string{"first", "second"} {
		got, err := s.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, canonical, *got.ResultRef)
	}
}

func TestProcess_TransientFailureRequeuesWithBackoff(t *testing.T) {
	s := memory.New()
	p := newProcessor(t, s, &fakeExtractor{err: errors.New("read tcp: connection reset by peer")}, &loaderStub{})
	j := enqueueAndLease(t, s, "j1", "fp1")

	require.NoError(t, p.Process(context.Background(), j.Lease()))

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.RunAfter.Equal(t0.Add(30*time.Second)))
	assert.Contains(t, *got.Error, "connection reset")
}

func TestProcess_RateLimitWaitsLonger(t *testing.T) {
	s := memory.New()
	p := newProcessor(t, s, &fakeExtractor{err: extraction.RateLimited(errors.New("quota exceeded"))}, &loaderStub{})
	j := enqueueAndLease(t, s, "j1", "fp1")

	require.NoError(t, p.Process(context.Background(), j.Lease()))

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.True(t, got.RunAfter.Equal(t0.Add(5*time.Minute)))
}

func TestProcess_FatalFailsImmediately(t *testing.T) {
	s := memory.New()
	p := newProcessor(t, s, &fakeExtractor{out: json.RawMessage(`["not","an","object"]`)}, &loaderStub{})
	j := enqueueAndLease(t, s, "j1", "fp1")

	require.NoError(t, p.Process(context.Background(), j.Lease()))

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, *got.Error, "malformed extraction output")
	assert.Equal(t, entity.StageExtracted, got.Checkpoint.Stage)
}

func TestProcess_ResumesFromCheckpoint(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := enqueueAndLease(t, s, "j1", "fp1")
	require.NoError(t, s.SaveCheckpoint(ctx, j.Lease(), entity.Checkpoint{Stage: entity.StageExtracted, Raw: complete}, t0))

	ex := &fakeExtractor{err: errors.New("must not be called")}
	p := newProcessor(t, s, ex, &loaderStub{})
	require.NoError(t, p.Process(ctx, j.Lease()))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, entity.StagePersisted, got.Checkpoint.Stage)
	assert.Zero(t, ex.calls.Load())
}

func TestProcess_LoadsInputRefWithoutPayload(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, _, err := s.Enqueue(ctx, &entity.Job{
		ID: "j1", Status: entity.StatusQueued, InputRef: "https://cdn.example/m7.jpg", Fingerprint: "fp1",
		RunAfter: t0, CreatedAt: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	jobs, err := s.LeaseNext(ctx, 1, t0)
	require.NoError(t, err)

	loader := &loaderStub{}
	p := newProcessor(t, s, &fakeExtractor{out: complete}, loader)
	require.NoError(t, p.Process(ctx, jobs[0].Lease()))

	assert.Equal(t, []string{"https://cdn.example/m7.jpg"}, loader.refs)
}

func TestProcess_StaleHandOffIsDropped(t *testing.T) {
	s := memory.New()
	ex := &fakeExtractor{out: complete}
	p := newProcessor(t, s, ex, &loaderStub{})
	j := enqueueAndLease(t, s, "j1", "fp1")

	require.NoError(t, p.Process(context.Background(), entity.Lease{JobID: j.ID, LeaseID: "old-lease"}))

	got, err := s.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, got.Status)
	assert.Zero(t, ex.calls.Load())
}

func TestProcess_LostLeaseCancelsJob(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	j := enqueueAndLease(t, s, "j1", "fp1")

	started := make(chan struct{})
	ex := extraction.ExtractorFunc(func(ctx context.Context, image []byte) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m, err := extraction.NewMapper()
	require.NoError(t, err)
	p := worker.NewProcessor(s, ex, &loaderStub{}, m, worker.Config{
		Policy:            jobstate.DefaultPolicy(),
		CriticalFields:    critical,
		HeartbeatInterval: 5 * time.Millisecond,
		Now:               func() time.Time { return t0 },
	}, nil)

	done := make(chan error, 1)
	go func() { done <- p.Process(ctx, j.Lease()) }()

	<-started
	require.NoError(t, s.ReclaimStale(ctx, "j1", t0, t0, "stale heartbeat", t0))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after losing its lease")
	}

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount, "only the audit's requeue counts")
}
