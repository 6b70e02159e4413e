package schema

import "time"

// ProgressEvent is a live notification published while an execution runs.
type ProgressEvent struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Audit action names recorded by the audit sink.
const (
	AuditExecutionCreated   = "execution.created"
	AuditExecutionStarted   = "execution.started"
	AuditExecutionCompleted = "execution.completed"
	AuditExecutionFailed    = "execution.failed"
	AuditExecutionCancelled = "execution.cancelled"
	AuditExecutionSuspended = "execution.suspended"
	AuditExecutionResumed   = "execution.resumed"
	AuditExecutionRetried   = "execution.retried"
	AuditStepApproved       = "step.approved"
	AuditStepRejected       = "step.rejected"
	AuditScheduleFired      = "schedule.fired"
	AuditWebhookReceived    = "webhook.received"
	AuditWebhookRejected    = "webhook.rejected"
	AuditCachePurged        = "cache.purged"
	AuditRetentionPurged    = "retention.purged"
	AuditDryRunExecuted     = "execution.dry_run"
)

// Progress event types published on the streaming hub.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventSignalReceived    = "signal_received"
)

// WorkflowStatus is the publication state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// TriggerKind identifies how an execution was started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerEvent    TriggerKind = "event"
)

// LogLevel classifies execution log entries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)
