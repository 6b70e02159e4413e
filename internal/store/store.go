package store

import (
	"context"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (versioned; every save is a new immutable version row)
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	// UpdateExecution writes a full execution checkpoint. When workerID is
	// non-empty the write only succeeds while that worker holds the lease.
	UpdateExecution(ctx context.Context, exec *schema.Execution, workerID string) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	RequestCancel(ctx context.Context, id string) error

	// Leases
	ClaimExecution(ctx context.Context, id, workerID string, ttl time.Duration) (*schema.Execution, error)
	ExtendLease(ctx context.Context, id, workerID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id, workerID string) error
	ListClaimable(ctx context.Context, limit int) ([]string, error)
	ListWaitingDue(ctx context.Context, before time.Time, limit int) ([]*schema.Execution, error)

	// Execution logs (append-only, per-execution monotonic seq)
	AppendLog(ctx context.Context, entry *schema.LogEntry) error
	GetLogs(ctx context.Context, executionID string, afterSeq int64, limit int) ([]*schema.LogEntry, error)

	// Schedules
	CreateSchedule(ctx context.Context, sch *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, sch *schema.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*schema.Schedule, error)
	// ClaimSchedule advances next_fire_at only when it still equals
	// expectedFire; exactly one competing scheduler wins.
	ClaimSchedule(ctx context.Context, id string, expectedFire, nextFire, firedAt time.Time) (bool, error)

	// Webhooks (secrets encrypted at rest)
	SaveWebhook(ctx context.Context, cfg *schema.WebhookConfig) error
	GetWebhook(ctx context.Context, id string) (*schema.WebhookConfig, error)
	DeleteWebhook(ctx context.Context, id string) error

	// Audit (append-only)
	AppendAudit(ctx context.Context, entry *schema.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error
	// PurgeBefore removes terminal executions (and their logs) older than
	// cutoff, returning the number of executions removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
}

// SecretCipher encrypts webhook secrets before they reach disk.
type SecretCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
