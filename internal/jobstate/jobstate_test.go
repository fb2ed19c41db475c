package jobstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"readings-service/internal/entity"
	"readings-service/internal/extraction"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(entity.StatusQueued, entity.StatusProcessing))
	assert.True(t, CanTransition(entity.StatusProcessing, entity.StatusQueued))
	assert.False(t, CanTransition(entity.StatusQueued, entity.StatusCompleted))
	assert.False(t, CanTransition(entity.StatusCompleted, entity.StatusQueued), "completed never reopens")
	assert.False(t, CanTransition(entity.StatusFailed, entity.StatusQueued))
}

func TestDecide(t *testing.T) {
	p := DefaultPolicy()
	transient := extraction.Transient(errors.New("timeout"))
	limited := extraction.RateLimited(errors.New("quota"))
	fatal := extraction.Fatalf("malformed input")

	d := p.Decide(0, transient)
	assert.Equal(t, ActionRequeue, d.Action)
	assert.Equal(t, 30*time.Second, d.Delay)
	assert.Equal(t, "transient: timeout", d.Reason)

	d = p.Decide(1, transient)
	assert.Equal(t, ActionRequeue, d.Action)
	assert.Equal(t, 2*time.Minute, d.Delay)

	d = p.Decide(2, transient)
	assert.Equal(t, ActionFail, d.Action, "retry budget exhausted")
	assert.Zero(t, d.Delay)

	d = p.Decide(0, limited)
	assert.Equal(t, 5*time.Minute, d.Delay)

	d = p.Decide(0, fatal)
	assert.Equal(t, ActionFail, d.Action, "fatal never retries")

	d = p.Decide(0, nil)
	assert.Equal(t, ActionRequeue, d.Action)
}

func TestBackoff_CapsAtLastEntry(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 30*time.Minute, p.Backoff(10, extraction.KindTransient))
	assert.Equal(t, 2*time.Hour, p.Backoff(10, extraction.KindRateLimited))
	assert.Equal(t, 30*time.Second, p.Backoff(0, extraction.KindTransient))
	for i := 1; i <= 4; i++ {
		assert.Greater(t, p.Backoff(i, extraction.KindRateLimited), p.Backoff(i, extraction.KindTransient))
	}
	assert.Zero(t, Policy{}.Backoff(1, extraction.KindTransient))
}
