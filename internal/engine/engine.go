package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/internal/waits"
	"github.com/tessen/flowcore/pkg/schema"
)

// WorkflowValidator checks a definition before it is saved or run.
type WorkflowValidator interface {
	ValidateWorkflow(wf *schema.Workflow) error
}

// Engine is the public entry point: workflow CRUD, execution lifecycle,
// approvals and signals. Step execution itself happens on workers via
// the Runner.
type Engine struct {
	store     store.Store
	interp    *Interpreter
	waits     *waits.Manager
	validator WorkflowValidator
	logger    *slog.Logger
}

// NewEngine wires the facade. validator may be nil to skip validation.
func NewEngine(s store.Store, interp *Interpreter, wm *waits.Manager, validator WorkflowValidator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, interp: interp, waits: wm, validator: validator, logger: logger}
}

// Interpreter exposes the run loop for worker wiring.
func (en *Engine) Interpreter() *Interpreter { return en.interp }

// --- Workflows ---

// SaveWorkflow validates and persists a definition. Every save creates
// a new immutable version.
func (en *Engine) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if en.validator != nil {
		if err := en.validator.ValidateWorkflow(wf); err != nil {
			return err
		}
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	// Each save is a new immutable version row. Status is mutable
	// independently and carries over unless the caller sets it.
	wf.Version = 1
	if cur, err := en.store.GetWorkflow(ctx, wf.ID); err == nil {
		wf.Version = cur.Version + 1
		if wf.Status == "" {
			wf.Status = cur.Status
		}
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	return en.store.SaveWorkflow(ctx, wf)
}

// GetWorkflow returns the latest version of a definition.
func (en *Engine) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return en.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns definitions matching the filter.
func (en *Engine) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return en.store.ListWorkflows(ctx, filter)
}

// SetWorkflowStatus moves a definition between draft, active, paused
// and archived. In-flight executions are unaffected.
func (en *Engine) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	return en.store.SetWorkflowStatus(ctx, id, status)
}

// --- Executions ---

// StartRequest describes a new execution.
type StartRequest struct {
	WorkflowID string
	Input      map[string]any
	Trigger    schema.TriggerKind
	Initiator  string
	DryRun     bool
}

// StartExecution creates a pending execution pinned to the workflow's
// current version. Only active workflows can start.
func (en *Engine) StartExecution(ctx context.Context, req StartRequest) (*schema.Execution, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	wf, err := en.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s, not active", wf.ID, wf.Status)
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = schema.TriggerManual
	}
	now := time.Now().UTC()
	exec := &schema.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionStatusPending,
		Context:         schema.NewExecutionContext(wf.Variables, req.Input),
		Trigger:         trigger,
		Initiator:       req.Initiator,
		DryRun:          req.DryRun,
		CreatedAt:       now,
	}
	if err := en.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	en.audit(ctx, req.Initiator, schema.AuditExecutionCreated, exec.ID, map[string]any{
		"workflow_id": wf.ID, "workflow_version": wf.Version, "trigger": string(trigger),
	})
	return exec, nil
}

// GetExecution returns the current state of an execution.
func (en *Engine) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	return en.store.GetExecution(ctx, id)
}

// ListExecutions returns executions matching the filter.
func (en *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	return en.store.ListExecutions(ctx, filter)
}

// GetLogs pages through an execution's log after seq.
func (en *Engine) GetLogs(ctx context.Context, executionID string, afterSeq int64, limit int) ([]*schema.LogEntry, error) {
	return en.store.GetLogs(ctx, executionID, afterSeq, limit)
}

// CancelExecution stops an execution. Idle executions (pending or
// waiting) finalize immediately; a running one is flagged and stops at
// its next step boundary.
func (en *Engine) CancelExecution(ctx context.Context, id, actor string) error {
	exec, err := en.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", id, exec.Status)
	}
	if err := en.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	if exec.Status == schema.ExecutionStatusPending || exec.Status == schema.ExecutionStatusWaiting ||
		exec.Status == schema.ExecutionStatusSuspended {
		now := time.Now().UTC()
		exec.Status = schema.ExecutionStatusCancelled
		exec.CancelRequested = true
		exec.EndedAt = &now
		exec.Wait = nil
		if err := en.store.UpdateExecution(ctx, exec, ""); err != nil {
			return err
		}
		en.audit(ctx, actor, schema.AuditExecutionCancelled, id, nil)
	}
	return nil
}

// RetryExecution creates a new execution that resumes a failed or
// cancelled one from its last checkpoint: same pinned version, the
// checkpointed context, and the failed step as the resume point.
func (en *Engine) RetryExecution(ctx context.Context, id, initiator string) (*schema.Execution, error) {
	src, err := en.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status != schema.ExecutionStatusFailed && src.Status != schema.ExecutionStatusCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s; only failed or cancelled executions can be retried", id, src.Status)
	}

	now := time.Now().UTC()
	retry := &schema.Execution{
		ID:               uuid.New().String(),
		WorkflowID:       src.WorkflowID,
		WorkflowVersion:  src.WorkflowVersion,
		Status:           schema.ExecutionStatusPending,
		Context:          src.Context.Clone(),
		CurrentStepID:    src.CurrentStepID,
		CompletedStepIDs: append([]string(nil), src.CompletedStepIDs...),
		Trigger:          src.Trigger,
		Initiator:        initiator,
		ParentID:         src.ParentID,
		RetryOfID:        src.ID,
		CreatedAt:        now,
	}
	if retry.CurrentStepID == "" && len(src.FailedStepIDs) > 0 {
		retry.CurrentStepID = src.FailedStepIDs[len(src.FailedStepIDs)-1]
	}
	if err := en.store.CreateExecution(ctx, retry); err != nil {
		return nil, err
	}
	en.audit(ctx, initiator, schema.AuditExecutionRetried, retry.ID, map[string]any{"retry_of": src.ID})
	return retry, nil
}

// --- Approvals and signals ---

// ApproveStep records an approval decision by actor.
func (en *Engine) ApproveStep(ctx context.Context, executionID, actor, comment string) error {
	return en.waits.Approve(ctx, executionID, actor, comment)
}

// RejectStep records a rejection by actor.
func (en *Engine) RejectStep(ctx context.Context, executionID, actor, comment string) error {
	return en.waits.Reject(ctx, executionID, actor, comment)
}

// Signal delivers a named payload to an execution.
func (en *Engine) Signal(ctx context.Context, executionID, name string, payload any) error {
	return en.waits.Signal(ctx, executionID, name, payload)
}

// --- Test runs ---

// TestResult is the outcome of an in-memory dry run.
type TestResult struct {
	Status      schema.ExecutionStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Trace       []StepTrace            `json:"trace"`
	Variables   map[string]any         `json:"variables"`
	SideEffects []schema.SideEffect    `json:"side_effects,omitempty"`
}

// TestExecution dry-runs a workflow entirely in memory: side effects are
// recorded instead of performed, approvals auto-approve and waits are
// skipped. Nothing is persisted; drafts are allowed.
func (en *Engine) TestExecution(ctx context.Context, workflowID string, input map[string]any) (*TestResult, error) {
	wf, err := en.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return en.TestWorkflow(ctx, wf, input)
}

// TestWorkflow dry-runs an unsaved definition.
func (en *Engine) TestWorkflow(ctx context.Context, wf *schema.Workflow, input map[string]any) (*TestResult, error) {
	if en.validator != nil {
		if err := en.validator.ValidateWorkflow(wf); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	exec := &schema.Execution{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionStatusPending,
		Context:         schema.NewExecutionContext(wf.Variables, input),
		Trigger:         schema.TriggerManual,
		DryRun:          true,
		CreatedAt:       now,
	}
	trace, runErr := en.interp.RunEphemeral(ctx, wf, exec)

	result := &TestResult{
		Status:      exec.Status,
		Trace:       trace,
		Variables:   exec.Context.Variables,
		SideEffects: exec.Context.SideEffects,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	en.audit(ctx, exec.Initiator, schema.AuditDryRunExecuted, wf.ID, map[string]any{"status": string(exec.Status)})
	return result, nil
}

func (en *Engine) audit(ctx context.Context, actor, action, entityID string, detail map[string]any) {
	if actor == "" {
		actor = "engine"
	}
	entry := &schema.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		EntityKind: "execution",
		EntityID:   entityID,
		Detail:     detail,
	}
	if err := en.store.AppendAudit(ctx, entry); err != nil {
		en.logger.WarnContext(ctx, "audit append failed", slog.String("error", err.Error()))
	}
}
