// Package jobstate holds the job lifecycle rules: which status transitions
// exist, and what happens to a job after a failed attempt.
package jobstate

import (
	"time"

	"readings-service/internal/entity"
	"readings-service/internal/extraction"
)

type Transition struct {
	From entity.JobStatus
	To   entity.JobStatus
}

var validTransitions = []Transition{
	{From: entity.StatusQueued, To: entity.StatusProcessing},
	{From: entity.StatusProcessing, To: entity.StatusCompleted},
	{From: entity.StatusProcessing, To: entity.StatusQueued},
	{From: entity.StatusProcessing, To: entity.StatusFailed},
}

func CanTransition(from, to entity.JobStatus) bool {
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionRequeue Action = "requeue"
	ActionFail    Action = "fail"
)

// Decision is the outcome of a failed attempt.
type Decision struct {
	Action Action
	// Delay before the job may be leased again. Zero for ActionFail.
	Delay  time.Duration
	Reason string
}

type Policy struct {
	MaxRetries         int
	TransientBackoff   []time.Duration
	RateLimitedBackoff []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         2,
		TransientBackoff:   []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, 30 * time.Minute},
		RateLimitedBackoff: []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 2 * time.Hour},
	}
}

// Decide applies the retry policy to a job that has already been retried
// retryCount times. Fatal failures never retry; retryable ones requeue while
// retryCount < MaxRetries.
func (p Policy) Decide(retryCount int, failure *extraction.Error) Decision {
	reason := ""
	kind := extraction.KindTransient
	if failure != nil {
		reason = failure.Error()
		kind = failure.Kind
	}
	if !kind.Retryable() || retryCount >= p.MaxRetries {
		return Decision{Action: ActionFail, Reason: reason}
	}
	return Decision{
		Action: ActionRequeue,
		Delay:  p.Backoff(retryCount+1, kind),
		Reason: reason,
	}
}

// Backoff returns the wait before retry number attempt (1-based). The
// schedule's last entry is the cap.
func (p Policy) Backoff(attempt int, kind extraction.Kind) time.Duration {
	schedule := p.TransientBackoff
	if kind == extraction.KindRateLimited {
		schedule = p.RateLimitedBackoff
	}
	if len(schedule) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}
