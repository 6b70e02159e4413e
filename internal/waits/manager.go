// Package waits resolves durable waits: approval decisions, named
// signals and due timers. Resolution never executes steps; it records
// the outcome in the execution context and flips the execution back to
// pending so a worker resumes it.
package waits

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessen/flowcore/internal/identity"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// DefaultScanInterval is how often the due scanner wakes timer waits.
const DefaultScanInterval = time.Second

// DefaultScanBatch bounds one due-scan pass.
const DefaultScanBatch = 100

// Resolver maps an actor name to a principal. The default carries the
// subject alone; deployments with role-based approver entries install
// one that attaches roles.
type Resolver func(actor string) *identity.Principal

// Manager resolves waits against the store.
type Manager struct {
	store    store.Store
	logger   *slog.Logger
	resolver Resolver
}

// NewManager builds a wait manager.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// UseResolver installs a principal resolver for approval authorization.
func (m *Manager) UseResolver(r Resolver) {
	m.resolver = r
}

func (m *Manager) principal(actor string) *identity.Principal {
	if m.resolver != nil {
		return m.resolver(actor)
	}
	return &identity.Principal{Subject: actor}
}

// Approve records an approval by actor. Approving twice is idempotent;
// contradicting a recorded decision is CONFLICT.
func (m *Manager) Approve(ctx context.Context, executionID, actor, comment string) error {
	return m.decide(ctx, executionID, actor, comment, true)
}

// Reject records a rejection by actor.
func (m *Manager) Reject(ctx context.Context, executionID, actor, comment string) error {
	return m.decide(ctx, executionID, actor, comment, false)
}

func (m *Manager) decide(ctx context.Context, executionID, actor, comment string, approved bool) error {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	// A recorded decision outranks the status guard: the first call
	// flips the execution to pending, so a repeat arrives when it is no
	// longer waiting. Same verdict is a no-op, a contradiction is
	// CONFLICT.
	if stepID := lastApprovalStepID(exec); stepID != "" {
		if d := exec.Context.DecisionFor(stepID); d != nil {
			if d.Approved == approved {
				return nil
			}
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step %s was already %s by %s", stepID, verdict(d.Approved), d.Actor)
		}
	}
	if exec.Status != schema.ExecutionStatusWaiting || exec.Wait == nil || exec.Wait.Kind != schema.WaitApproval {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not awaiting approval", executionID)
	}
	if !identity.Authorized(m.principal(actor), exec.Wait.Approvers) {
		return schema.NewErrorf(schema.ErrCodeForbidden, "%s is not an approver for step %s", actor, exec.Wait.StepID)
	}
	now := time.Now().UTC()
	if exec.Wait.ResumeAt != nil && !now.Before(*exec.Wait.ResumeAt) {
		return schema.NewError(schema.ErrCodeApprovalTimeout, "approval deadline has expired").WithStep(exec.Wait.StepID)
	}

	stepID := exec.Wait.StepID
	exec.Context.RecordDecision(schema.Decision{
		StepID:    stepID,
		Approved:  approved,
		Actor:     actor,
		Comment:   comment,
		DecidedAt: now,
	})
	exec.Status = schema.ExecutionStatusPending
	if err := m.store.UpdateExecution(ctx, exec, ""); err != nil {
		return err
	}

	action := schema.AuditStepApproved
	if !approved {
		action = schema.AuditStepRejected
	}
	m.audit(ctx, actor, action, executionID, map[string]any{"step_id": stepID, "comment": comment})
	m.logger.InfoContext(ctx, "approval decided",
		slog.String("execution_id", executionID),
		slog.String("step_id", stepID),
		slog.String("actor", actor),
		slog.Bool("approved", approved),
	)
	return nil
}

// lastApprovalStepID names the approval wait a decision call refers to:
// the live wait when one is pending, otherwise the most recently decided
// step.
func lastApprovalStepID(exec *schema.Execution) string {
	if exec.Wait != nil && exec.Wait.Kind == schema.WaitApproval {
		return exec.Wait.StepID
	}
	if n := len(exec.Context.Decisions); n > 0 {
		return exec.Context.Decisions[n-1].StepID
	}
	return ""
}

// Signal delivers a named payload to an execution. The payload lands in
// the context whether or not a wait step reached it yet; a matching
// signal wait wakes immediately.
func (m *Manager) Signal(ctx context.Context, executionID, name string, payload any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "signal name is required")
	}
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s", executionID, exec.Status)
	}
	if payload == nil {
		payload = true
	}
	if err := exec.Context.SetPath("signals."+name, payload); err != nil {
		return err
	}
	if exec.Status == schema.ExecutionStatusWaiting && exec.Wait != nil &&
		exec.Wait.Kind == schema.WaitSignal && exec.Wait.Signal == name {
		exec.Status = schema.ExecutionStatusPending
	}
	if err := m.store.UpdateExecution(ctx, exec, ""); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "signal delivered",
		slog.String("execution_id", executionID),
		slog.String("signal", name),
	)
	return nil
}

// WakeDue flips waiting executions whose resume time has passed back to
// pending: due timers and expired approval deadlines. The interpreter
// resolves what the wake means.
func (m *Manager) WakeDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultScanBatch
	}
	due, err := m.store.ListWaitingDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	woken := 0
	for _, exec := range due {
		exec.Status = schema.ExecutionStatusPending
		if err := m.store.UpdateExecution(ctx, exec, ""); err != nil {
			m.logger.WarnContext(ctx, "waking due execution failed",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		woken++
	}
	return woken, nil
}

// Run scans for due waits until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.WakeDue(ctx, DefaultScanBatch); err != nil {
				m.logger.WarnContext(ctx, "due-wait scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) audit(ctx context.Context, actor, action, executionID string, detail map[string]any) {
	entry := &schema.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		EntityKind: "execution",
		EntityID:   executionID,
		Detail:     detail,
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.logger.WarnContext(ctx, "audit append failed", slog.String("error", err.Error()))
	}
}

func verdict(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}
