package entity

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Job struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	InputRef        string     `json:"input_ref"`
	Fingerprint     string     `json:"fingerprint"`
	ForceReanalysis bool       `json:"force_reanalysis"`
	Payload         []byte     `json:"-"`
	RetryCount      int        `json:"retry_count"`
	LeaseID         string     `json:"-"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	RunAfter        time.Time  `json:"run_after"`
	Checkpoint      Checkpoint `json:"checkpoint"`
	ResultRef       *string    `json:"result_ref,omitempty"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Lease is what a worker holds while a job is processing. Every worker-side
// write is guarded by both the job id and the lease id.
type Lease struct {
	JobID   string
	LeaseID string
}

func (j *Job) Lease() Lease {
	return Lease{JobID: j.ID, LeaseID: j.LeaseID}
}

// SameInput reports whether two submissions for the same id describe the same work.
func (j *Job) SameInput(other *Job) bool {
	return j.InputRef == other.InputRef &&
		j.Fingerprint == other.Fingerprint &&
		j.ForceReanalysis == other.ForceReanalysis
}

// Stage is a step of the extraction pipeline. Stages are ordered; a
// checkpoint at stage S means every stage up to and including S is done.
type Stage string

const (
	StageNone      Stage = ""
	StageExtracted Stage = "extracted"
	StageMapped    Stage = "mapped"
	StagePersisted Stage = "persisted"
)

var stageOrder = map[Stage]int{
	StageNone:      0,
	StageExtracted: 1,
	StageMapped:    2,
	StagePersisted: 3,
}

// Reached reports whether s is at or past target.
func (s Stage) Reached(target Stage) bool {
	return stageOrder[s] >= stageOrder[target]
}

func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Checkpoint is the partial result of a job. Which fields are meaningful
// depends on Stage:
//
//	extracted: Raw
//	mapped:    Raw, Fields, Complete
//	persisted: Raw, Fields, Complete, ResultRef
type Checkpoint struct {
	Stage     Stage           `json:"stage"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Complete  bool            `json:"complete,omitempty"`
	ResultRef string          `json:"result_ref,omitempty"`
}

func (c Checkpoint) IsZero() bool {
	return c.Stage == StageNone
}
