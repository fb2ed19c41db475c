package entity

import "time"

// ProgressEvent is an append-only status note for a job. Events outlive the
// job document, so status queries fall back to them.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
