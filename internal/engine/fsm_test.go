package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	assert.True(t, CanTransition(schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting))
	assert.True(t, CanTransition(schema.ExecutionStatusWaiting, schema.ExecutionStatusPending))
	assert.True(t, CanTransition(schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled))

	assert.False(t, CanTransition(schema.ExecutionStatusPending, schema.ExecutionStatusCompleted))
	assert.False(t, CanTransition(schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning))
	assert.False(t, CanTransition(schema.ExecutionStatusFailed, schema.ExecutionStatusPending))
	assert.False(t, CanTransition(schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning))
}

func TestTransitionMutatesStatus(t *testing.T) {
	exec := &schema.Execution{Status: schema.ExecutionStatusPending}
	require.NoError(t, Transition(exec, schema.ExecutionStatusRunning))
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)

	err := Transition(exec, schema.ExecutionStatusPending)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		assert.Empty(t, ValidExecutionTransitions[terminal], string(terminal))
	}
}
