package egress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	require := require.New(t)
	cb := newCircuitBreaker(3, time.Minute)
	now := time.Now()

	require.Equal(CircuitClosed, cb.currentState())
	require.True(cb.allow(now))

	cb.onFailure(now)
	require.Equal(CircuitClosed, cb.currentState())
	cb.onFailure(now)
	require.Equal(CircuitClosed, cb.currentState())
	cb.onFailure(now)
	require.Equal(CircuitOpen, cb.currentState())

	require.False(cb.allow(now))
}

func TestCircuitBreakerHalfOpenThenClose(t *testing.T) {
	require := require.New(t)
	cb := newCircuitBreaker(1, time.Second)
	now := time.Now()

	cb.onFailure(now)
	require.Equal(CircuitOpen, cb.currentState())
	require.False(cb.allow(now))

	later := now.Add(2 * time.Second)
	require.True(cb.allow(later))
	require.Equal(CircuitHalfOpen, cb.currentState())

	cb.onSuccess(later)
	require.Equal(CircuitClosed, cb.currentState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	require := require.New(t)
	cb := newCircuitBreaker(1, time.Second)
	now := time.Now()

	cb.onFailure(now)
	later := now.Add(2 * time.Second)
	require.True(cb.allow(later))
	require.Equal(CircuitHalfOpen, cb.currentState())

	cb.onFailure(later)
	require.Equal(CircuitOpen, cb.currentState())
}

func TestCircuitBreakerDefaults(t *testing.T) {
	require := require.New(t)
	cb := newCircuitBreaker(0, 0)
	require.Equal(DefaultFailureThreshold, cb.threshold)
	require.Equal(DefaultOpenTimeout, cb.timeout)
}

func TestCircuitBreakerDowntimeAccumulatesWhileOpen(t *testing.T) {
	require := require.New(t)
	cb := newCircuitBreaker(1, time.Second)
	now := time.Now()

	require.Equal(time.Duration(0), cb.downtime(now))

	cb.onFailure(now)
	require.Equal(time.Second, cb.downtime(now.Add(time.Second)), "still Open: downtime grows with elapsed time")

	later := now.Add(2 * time.Second)
	require.True(cb.allow(later))
	require.Equal(CircuitHalfOpen, cb.currentState())
	require.Equal(2*time.Second, cb.downtime(later), "HalfOpen still counts as down")

	cb.onSuccess(later)
	require.Equal(2*time.Second, cb.downtime(later.Add(time.Minute)), "downtime is frozen once Closed")
}
