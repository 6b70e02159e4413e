package engine

import (
	"github.com/tessen/flowcore/pkg/schema"
)

// ValidExecutionTransitions defines the allowed execution status moves.
// Terminal statuses have no successors.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusWaiting,
		schema.ExecutionStatusSuspended,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusWaiting: {
		schema.ExecutionStatusPending,
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusSuspended: {
		schema.ExecutionStatusPending,
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// CanTransition reports whether the execution status move is legal.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on the execution in
// memory. Persisting the change is the caller's responsibility.
func Transition(exec *schema.Execution, to schema.ExecutionStatus) error {
	if !CanTransition(exec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid execution transition: %s -> %s", exec.Status, to).
			WithDetails(map[string]any{
				"execution_id": exec.ID,
				"from":         string(exec.Status),
				"to":           string(to),
			})
	}
	exec.Status = to
	return nil
}
