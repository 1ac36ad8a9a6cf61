package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(time.Minute, 50*time.Millisecond, 0.5, 3)
	require.Equal(t, Closed, cb.State())

	cb.Record(false)
	cb.Record(false)
	cb.Record(false)

	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	cb := New(time.Minute, 20*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	time.Sleep(30 * time.Millisecond)

	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "only one probe permitted while half-open")
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(20 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.Record(true)

	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(20 * time.Millisecond)

	require.True(t, cb.Allow())
	cb.Record(false)

	assert.Equal(t, Open, cb.State())
}

func TestCircuitBreaker_BelowMinSamplesStaysClosed(t *testing.T) {
	cb := New(time.Minute, time.Second, 0.1, 5)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, Closed, cb.State())
	assert.True(t, cb.Allow())
}
