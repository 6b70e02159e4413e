package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})

	assert.Equal(t, CircuitClosed, reg.RecordFailure("api.example.com"))
	assert.Equal(t, CircuitClosed, reg.RecordFailure("api.example.com"))
	assert.Equal(t, CircuitOpen, reg.RecordFailure("api.example.com"))

	err := reg.AllowRequest("api.example.com")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))

	// Other targets are independent.
	assert.NoError(t, reg.AllowRequest("other.example.com"))
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})

	reg.RecordFailure("api")
	reg.RecordSuccess("api")
	assert.Equal(t, CircuitClosed, reg.RecordFailure("api"))
	assert.NoError(t, reg.AllowRequest("api"))
}

func TestCircuitHalfOpenRecovery(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 2,
	})

	reg.RecordFailure("api")
	require.Error(t, reg.AllowRequest("api"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, reg.GetState("api"))
	assert.NoError(t, reg.AllowRequest("api"))

	// One success is not enough to close at threshold 2.
	reg.RecordSuccess("api")
	assert.Equal(t, CircuitHalfOpen, reg.GetState("api"))

	reg.RecordSuccess("api")
	assert.Equal(t, CircuitClosed, reg.GetState("api"))
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 2,
	})

	reg.RecordFailure("api")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, CircuitHalfOpen, reg.GetState("api"))

	assert.Equal(t, CircuitOpen, reg.RecordFailure("api"))
	require.Error(t, reg.AllowRequest("api"))
}

func TestGuardRecordsOutcomes(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})
	ctx := context.Background()

	boom := errors.New("upstream down")
	require.ErrorIs(t, reg.Guard(ctx, "api", 0, func(ctx context.Context) error { return boom }), boom)
	require.ErrorIs(t, reg.Guard(ctx, "api", 0, func(ctx context.Context) error { return boom }), boom)

	// Breaker is now open; the call function must not run.
	called := false
	err := reg.Guard(ctx, "api", 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
	assert.False(t, called)
}

func TestGuardTimeoutCountsAsFailure(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})

	err := reg.Guard(context.Background(), "slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
	assert.Equal(t, CircuitOpen, reg.GetState("slow"))
}

func TestGetStatsReportsState(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	})
	reg.RecordFailure("api")
	reg.RecordFailure("api")

	stats := reg.GetStats("api")
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
	assert.Equal(t, 5, stats["failure_threshold"])
}
