package entity

import "time"

// ShepherdState is the singleton breaker document. It is loaded at the start
// of a shepherd run and saved at the end; nothing else writes it.
type ShepherdState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BreakerTrippedUntil *time.Time `json:"breaker_tripped_until,omitempty"`
	LastFailureReason   string     `json:"last_failure_reason,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
}

func (s ShepherdState) Tripped(now time.Time) bool {
	return s.BreakerTrippedUntil != nil && s.BreakerTrippedUntil.After(now)
}
