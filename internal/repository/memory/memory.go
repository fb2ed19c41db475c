// Package memory is an in-process store with the same conditional-write
// contract as the SQL backends. It backs tests and single-binary dev runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"readings-service/internal/entity"
	"readings-service/internal/jobstate"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*entity.Job
	records  map[string]entity.FingerprintRecord
	results  map[string]*entity.Result
	events   map[string][]entity.ProgressEvent
	shepherd entity.ShepherdState
}

func New() *Store {
	return &Store{
		jobs:    map[string]*entity.Job{},
		records: map[string]entity.FingerprintRecord{},
		results: map[string]*entity.Result{},
		events:  map[string][]entity.ProgressEvent{},
	}
}

func (s *Store) Close() error { return nil }

func cloneJob(j *entity.Job) *entity.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LastHeartbeat != nil {
		t := *j.LastHeartbeat
		c.LastHeartbeat = &t
	}
	if j.ResultRef != nil {
		r := *j.ResultRef
		c.ResultRef = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *Store) Enqueue(_ context.Context, job *entity.Job) (*entity.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[job.ID]; ok {
		if !cur.SameInput(job) {
			return nil, false, entity.ErrConflict
		}
		return cloneJob(cur), false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), true, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) GetJobs(_ context.Context, ids []string) (map[string]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*entity.Job, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out[id] = cloneJob(j)
		}
	}
	return out, nil
}

func (s *Store) LeaseNext(_ context.Context, limit int, now time.Time) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*entity.Job
	for _, j := range s.jobs {
		if jobstate.CanTransition(j.Status, entity.StatusProcessing) && !j.RunAfter.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].CreatedAt.Equal(ready[b].CreatedAt) {
			return ready[a].ID < ready[b].ID
		}
		return ready[a].CreatedAt.Before(ready[b].CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]*entity.Job, 0, len(ready))
	for _, j := range ready {
		hb := now
		j.Status = entity.StatusProcessing
		j.LeaseID = uuid.NewString()
		j.LastHeartbeat = &hb
		j.UpdatedAt = now
		out = append(out, cloneJob(j))
	}
	return out, nil
}

// leased returns the job only while l still holds it.
func (s *Store) leased(l entity.Lease) (*entity.Job, error) {
	j, ok := s.jobs[l.JobID]
	if !ok || j.Status != entity.StatusProcessing || j.LeaseID != l.LeaseID {
		return nil, entity.ErrLeaseLost
	}
	return j, nil
}

// moving is leased plus a check that the job may move to status to.
func (s *Store) moving(l entity.Lease, to entity.JobStatus) (*entity.Job, error) {
	j, err := s.leased(l)
	if err != nil {
		return nil, err
	}
	if !jobstate.CanTransition(j.Status, to) {
		return nil, entity.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) Heartbeat(_ context.Context, l entity.Lease, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(l)
	if err != nil {
		return err
	}
	j.LastHeartbeat = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) SaveCheckpoint(_ context.Context, l entity.Lease, cp entity.Checkpoint, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(l)
	if err != nil {
		return err
	}
	j.Checkpoint = cp
	j.Payload = nil
	j.LastHeartbeat = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) Complete(_ context.Context, l entity.Lease, resultRef string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.moving(l, entity.StatusCompleted)
	if err != nil {
		return err
	}
	j.Status = entity.StatusCompleted
	j.ResultRef = &resultRef
	j.Error = nil
	j.Payload = nil
	j.LeaseID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) Requeue(_ context.Context, l entity.Lease, runAfter time.Time, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.moving(l, entity.StatusQueued)
	if err != nil {
		return err
	}
	requeue(j, runAfter, reason, now)
	return nil
}

func (s *Store) Fail(_ context.Context, l entity.Lease, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.moving(l, entity.StatusFailed)
	if err != nil {
		return err
	}
	fail(j, reason, now)
	return nil
}

func requeue(j *entity.Job, runAfter time.Time, reason string, now time.Time) {
	j.Status = entity.StatusQueued
	j.RetryCount++
	j.RunAfter = runAfter
	j.Error = &reason
	j.LeaseID = ""
	j.UpdatedAt = now
}

func fail(j *entity.Job, reason string, now time.Time) {
	j.Status = entity.StatusFailed
	j.Error = &reason
	j.Payload = nil
	j.LeaseID = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func (s *Store) FindStale(_ context.Context, cutoff time.Time, limit int) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*entity.Job
	for _, j := range s.jobs {
		if j.Status == entity.StatusProcessing && j.LastHeartbeat != nil && !j.LastHeartbeat.After(cutoff) {
			stale = append(stale, cloneJob(j))
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].LastHeartbeat.Before(*stale[b].LastHeartbeat) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) staleGuard(id string, observed time.Time, to entity.JobStatus) (*entity.Job, error) {
	j, ok := s.jobs[id]
	if !ok || !jobstate.CanTransition(j.Status, to) || j.LastHeartbeat == nil || j.LastHeartbeat.After(observed) {
		return nil, entity.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) ReclaimStale(_ context.Context, id string, observed, runAfter time.Time, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.staleGuard(id, observed, entity.StatusQueued)
	if err != nil {
		return err
	}
	requeue(j, runAfter, reason, now)
	return nil
}

func (s *Store) FailStale(_ context.Context, id string, observed time.Time, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.staleGuard(id, observed, entity.StatusFailed)
	if err != nil {
		return err
	}
	fail(j, reason, now)
	return nil
}

func (s *Store) PurgeTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if j.Status.IsTerminal() && !finished.After(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) MergeJobs(_ context.Context, fingerprint, canonical string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, j := range s.jobs {
		if j.Fingerprint != fingerprint || j.Status != entity.StatusCompleted {
			continue
		}
		if j.ResultRef != nil && *j.ResultRef == canonical {
			continue
		}
		ref := canonical
		j.ResultRef = &ref
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) GetRecord(_ context.Context, fingerprint string) (*entity.FingerprintRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fingerprint]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetRecords(_ context.Context, fingerprints []string) (map[string]entity.FingerprintRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]entity.FingerprintRecord, len(fingerprints))
	for _, fp := range fingerprints {
		if rec, ok := s.records[fp]; ok {
			out[fp] = rec
		}
	}
	return out, nil
}

func (s *Store) GetResult(_ context.Context, id string) (*entity.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	c := *r
	c.Fields = append([]byte(nil), r.Fields...)
	return &c, nil
}

func (s *Store) SaveResult(_ context.Context, r *entity.Result, complete bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.ID
	created := r.CreatedAt
	if rec, ok := s.records[r.Fingerprint]; ok {
		id = rec.ResultRef
		if prev, ok := s.results[id]; ok {
			created = prev.CreatedAt
		}
	}
	if created.IsZero() {
		created = r.UpdatedAt
	}

	s.records[r.Fingerprint] = entity.FingerprintRecord{
		Fingerprint: r.Fingerprint,
		ResultRef:   id,
		Complete:    complete,
		UpdatedAt:   r.UpdatedAt,
	}
	s.results[id] = &entity.Result{
		ID:          id,
		Fingerprint: r.Fingerprint,
		Fields:      append([]byte(nil), r.Fields...),
		CreatedAt:   created,
		UpdatedAt:   r.UpdatedAt,
	}
	return id, nil
}

func (s *Store) LoadShepherdState(context.Context) (entity.ShepherdState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shepherd, nil
}

func (s *Store) SaveShepherdState(_ context.Context, st entity.ShepherdState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shepherd = st
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev entity.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	return nil
}

func (s *Store) LatestEvents(_ context.Context, jobIDs []string) (map[string]entity.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]entity.ProgressEvent, len(jobIDs))
	for _, id := range jobIDs {
		evs := s.events[id]
		if len(evs) == 0 {
			continue
		}
		latest := evs[0]
		for _, ev := range evs[1:] {
			if !ev.CreatedAt.Before(latest.CreatedAt) {
				latest = ev
			}
		}
		out[id] = latest
	}
	return out, nil
}
