package schema

import "time"

// Execution is one run of a workflow. The workflow version is pinned at
// creation; definition edits never affect in-flight executions.
type Execution struct {
	ID               string            `json:"id"`
	WorkflowID       string            `json:"workflow_id"`
	WorkflowVersion  int               `json:"workflow_version"`
	Status           ExecutionStatus   `json:"status"`
	Context          *ExecutionContext `json:"context"`
	CurrentStepID    string            `json:"current_step_id,omitempty"`
	CompletedStepIDs []string          `json:"completed_step_ids,omitempty"`
	FailedStepIDs    []string          `json:"failed_step_ids,omitempty"`
	Iterations       int               `json:"iterations"`
	Trigger          TriggerKind       `json:"trigger"`
	Initiator        string            `json:"initiator,omitempty"`
	ParentID         string            `json:"parent_id,omitempty"`   // set on subworkflow children
	RetryOfID        string            `json:"retry_of_id,omitempty"` // set by retryExecution
	DryRun           bool              `json:"dry_run,omitempty"`
	CancelRequested  bool              `json:"cancel_requested,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	Lease            *Lease            `json:"lease,omitempty"`
	Wait             *WaitState        `json:"wait,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
}

// Lease marks exclusive ownership of an execution by one worker.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease can be claimed by another worker.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// WaitKind classifies why an execution is in the waiting status.
type WaitKind string

const (
	WaitApproval WaitKind = "approval"
	WaitTimer    WaitKind = "timer"
	WaitSignal   WaitKind = "signal"
	WaitChild    WaitKind = "child"
)

// WaitState is the durable resume point of a waiting execution.
type WaitState struct {
	Kind      WaitKind   `json:"kind"`
	StepID    string     `json:"step_id"`
	Approvers []string   `json:"approvers,omitempty"`
	Signal    string     `json:"signal,omitempty"`
	ChildID   string     `json:"child_id,omitempty"`
	ResumeAt  *time.Time `json:"resume_at,omitempty"` // timer target or approval deadline
	CreatedAt time.Time  `json:"created_at"`
}

// Decision records the resolution of an approval wait.
type Decision struct {
	StepID    string    `json:"step_id"`
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// CompletedStep reports whether the execution already finished stepID.
func (e *Execution) CompletedStep(stepID string) bool {
	for _, id := range e.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// MarkCompleted appends stepID to the completed set exactly once.
func (e *Execution) MarkCompleted(stepID string) {
	if !e.CompletedStep(stepID) {
		e.CompletedStepIDs = append(e.CompletedStepIDs, stepID)
	}
}

// MarkFailed appends stepID to the failed set exactly once.
func (e *Execution) MarkFailed(stepID string) {
	for _, id := range e.FailedStepIDs {
		if id == stepID {
			return
		}
	}
	e.FailedStepIDs = append(e.FailedStepIDs, stepID)
}

// LogEntry is a structured execution log line. Seq is assigned by the
// store, monotonically increasing per execution.
type LogEntry struct {
	ExecutionID string         `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`
	StepID      string         `json:"step_id,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

// Schedule binds a cron expression to a workflow.
type Schedule struct {
	ID          string      `json:"id"`
	WorkflowID  string      `json:"workflow_id"`
	Cron        string      `json:"cron"`
	Timezone    string      `json:"timezone,omitempty"` // IANA name, default UTC
	Enabled     bool        `json:"enabled"`
	CatchUp     CatchUpMode `json:"catch_up,omitempty"`
	NextFireAt  time.Time   `json:"next_fire_at"`
	LastFiredAt *time.Time  `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CatchUpMode controls missed-window behavior after downtime.
type CatchUpMode string

const (
	CatchUpSkip     CatchUpMode = "skip"      // advance past missed windows
	CatchUpFireOnce CatchUpMode = "fire_once" // one catch-up run, then advance
)

// WebhookConfig binds an inbound webhook endpoint to a workflow.
type WebhookConfig struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	Secret          string            `json:"-"` // HMAC key, encrypted at rest
	AllowedCIDRs    []string          `json:"allowed_cidrs,omitempty"`
	RequiredHeaders map[string]string `json:"required_headers,omitempty"`
	InputMapping    string            `json:"input_mapping,omitempty"` // gojq program over the payload
	RateLimit       int               `json:"rate_limit,omitempty"`    // requests per window, 0 = engine default
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AuditEntry is an immutable record of a lifecycle event.
type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Detail     map[string]any `json:"detail,omitempty"`
}
