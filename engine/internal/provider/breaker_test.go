package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := NewBreaker(3)
	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Open())
	b.RecordFailure()
	assert.True(t, b.Open())
	assert.Equal(t, 3, b.Failures())
}

func TestBreakerPersistsUntilRedeploy(t *testing.T) {
	b := NewBreaker(1)
	b.RecordFailure()
	assert.True(t, b.Open())
	// Success while open must not close it; the failure count stays frozen.
	b.RecordSuccess()
	assert.True(t, b.Open())
	assert.Equal(t, 1, b.Failures())
}

func TestBreakerHalfOpenProbeSuccess(t *testing.T) {
	b := NewBreaker(3)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.Redeploy()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures(), "probe success resets the failure run")
}

func TestBreakerHalfOpenProbeFailure(t *testing.T) {
	b := NewBreaker(3)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.Redeploy()
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerForceOpen(t *testing.T) {
	b := NewBreaker(3)
	b.ForceOpen()
	assert.True(t, b.Open())
	// Redeploy moves the open breaker to half-open; a second Redeploy from
	// that non-open state is a no-op.
	b.Redeploy()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Redeploy()
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	b := NewBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Open(), "non-consecutive failures must not trip")
	b.RecordFailure()
	assert.True(t, b.Open())
}
