package store

import (
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status  *schema.WorkflowStatus
	Trigger *schema.TriggerKind
	Limit   int
	Offset  int
}

// ExecutionFilter specifies criteria for listing executions.
// Results are ordered (created_at DESC, id DESC) so pagination is stable
// under equal timestamps.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Initiator  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	Actor      string
	Action     string
	EntityKind string
	EntityID   string
	Since      *time.Time
	Limit      int
}
