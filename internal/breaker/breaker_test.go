package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsOnErrorRate(t *testing.T) {
	b := New(Config{VolumeThreshold: 5, ErrorThresholdPct: 50, SleepWindow: 100 * time.Millisecond, SuccessThreshold: 3})

	for i := 0; i < 5; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenThenCloses(t *testing.T) {
	b := New(Config{VolumeThreshold: 5, ErrorThresholdPct: 50, SleepWindow: 50 * time.Millisecond, SuccessThreshold: 3})
	for i := 0; i < 5; i++ {
		b.Allow()
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{VolumeThreshold: 5, ErrorThresholdPct: 50, SleepWindow: 10 * time.Millisecond, SuccessThreshold: 2})
	for i := 0; i < 5; i++ {
		b.Allow()
		b.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_BelowVolumeThresholdNeverTrips(t *testing.T) {
	b := New(Config{VolumeThreshold: 10, ErrorThresholdPct: 50})
	for i := 0; i < 9; i++ {
		b.Allow()
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_WindowPruning(t *testing.T) {
	b := New(Config{VolumeThreshold: 3, ErrorThresholdPct: 50, RollingWindow: 30 * time.Millisecond})
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	// Old failures pruned; fresh successes should not trip the breaker.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ForceStateAndReset(t *testing.T) {
	b := New(Config{})
	b.ForceState(StateOpen)
	assert.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_LazyCreateAndRemove(t *testing.T) {
	r := NewRegistry(Config{})
	b1 := r.Get("inst-1")
	b2 := r.Get("inst-1")
	assert.Same(t, b1, b2)

	r.Remove("inst-1")
	b3 := r.Get("inst-1")
	assert.NotSame(t, b1, b3)
}
