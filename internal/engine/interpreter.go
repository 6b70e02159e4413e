package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// EventSink receives live progress events. The streaming hub implements
// it; NopSink drops everything.
type EventSink interface {
	Publish(ev schema.ProgressEvent)
}

// NopSink is an EventSink that discards events.
type NopSink struct{}

func (NopSink) Publish(schema.ProgressEvent) {}

// DefaultLeaseTTL is how long a claim protects an execution before
// another worker may steal it.
const DefaultLeaseTTL = 30 * time.Second

// InterpreterConfig tunes the run loop.
type InterpreterConfig struct {
	LeaseTTL time.Duration
}

// StepTrace is one entry of a test-run trace.
type StepTrace struct {
	StepID     string          `json:"step_id"`
	Kind       schema.StepKind `json:"kind"`
	Status     string          `json:"status"` // completed | failed | skipped | waiting
	Output     any             `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Interpreter drives one execution at a time through the step graph:
// claim, resume any wait, walk the frontier, checkpoint at every step
// boundary, release. It owns retries, error strategies and routing; the
// executor owns individual steps.
type Interpreter struct {
	store    store.Store
	executor *Executor
	events   EventSink
	logger   *slog.Logger
	leaseTTL time.Duration
}

// NewInterpreter wires an interpreter. A nil events sink drops events.
func NewInterpreter(s store.Store, ex *Executor, events EventSink, cfg InterpreterConfig, logger *slog.Logger) *Interpreter {
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Interpreter{store: s, executor: ex, events: events, logger: logger, leaseTTL: ttl}
}

// Store exposes the backing store for the dispatch runner.
func (it *Interpreter) Store() store.Store { return it.store }

// Executor exposes the step executor for diagnostics.
func (it *Interpreter) Executor() *Executor { return it.executor }

// Run claims the execution and drives it until it completes, fails,
// suspends or the context ends. A lost claim returns CONFLICT.
func (it *Interpreter) Run(ctx context.Context, executionID, workerID string) error {
	exec, err := it.store.ClaimExecution(ctx, executionID, workerID, it.leaseTTL)
	if err != nil {
		return err
	}
	wf, err := it.store.GetWorkflowVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		releaseErr := it.store.ReleaseLease(ctx, executionID, workerID)
		if releaseErr != nil {
			it.logger.WarnContext(ctx, "lease release failed", slog.String("execution_id", executionID))
		}
		return err
	}
	s := &runSession{wf: wf, exec: exec, workerID: workerID, persist: true}
	return it.run(ctx, s)
}

// RunEphemeral drives an execution entirely in memory: no claims, no
// checkpoints, no audit. Used for workflow test runs; the returned trace
// records every step visit in order.
func (it *Interpreter) RunEphemeral(ctx context.Context, wf *schema.Workflow, exec *schema.Execution) ([]StepTrace, error) {
	s := &runSession{wf: wf, exec: exec, workerID: "ephemeral", persist: false}
	err := it.run(ctx, s)
	return s.trace, err
}

type runSession struct {
	wf       *schema.Workflow
	exec     *schema.Execution
	workerID string
	persist  bool
	trace    []StepTrace
}

func (it *Interpreter) run(ctx context.Context, s *runSession) error {
	exec, wf := s.exec, s.wf
	now := time.Now().UTC()

	switch exec.Status {
	case schema.ExecutionStatusPending:
		if err := Transition(exec, schema.ExecutionStatusRunning); err != nil {
			return it.release(ctx, s, err)
		}
		if exec.StartedAt == nil {
			exec.StartedAt = &now
			it.publish(exec, schema.EventExecutionStarted, "", nil)
			it.log(ctx, s, schema.LogInfo, "", "execution started", map[string]any{"workflow_version": exec.WorkflowVersion})
		} else {
			it.publish(exec, schema.EventExecutionResumed, "", nil)
		}
	case schema.ExecutionStatusWaiting, schema.ExecutionStatusSuspended:
		if err := Transition(exec, schema.ExecutionStatusRunning); err != nil {
			return it.release(ctx, s, err)
		}
		it.publish(exec, schema.EventExecutionResumed, "", nil)
	case schema.ExecutionStatusRunning:
		// Lease takeover after a crash: resume from the checkpoint.
		it.log(ctx, s, schema.LogWarn, "", "resuming after lease takeover", map[string]any{"worker_id": s.workerID})
	default:
		return it.release(ctx, s, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s", exec.ID, exec.Status))
	}

	frontier, err := it.seedFrontier(ctx, s)
	if err != nil {
		return it.finish(ctx, s, err)
	}
	if frontier == nil && exec.Wait != nil {
		// Wait not yet resolved; park again.
		return it.park(ctx, s)
	}

	deadline := it.wallDeadline(s)
	maxIter := wf.Settings.MaxIterationsOrDefault()

	for len(frontier) > 0 {
		if err := it.boundaryChecks(ctx, s, deadline); err != nil {
			return err // cancellation and ctx expiry are fully handled inside
		}

		stepID := frontier[0]
		frontier = frontier[1:]

		step := wf.FindStep(stepID)
		if step == nil {
			return it.finish(ctx, s, schema.NewErrorf(schema.ErrCodeValidation, "step %q not found in workflow", stepID))
		}
		if !step.Enabled() {
			it.publish(exec, schema.EventStepSkipped, step.ID, nil)
			it.log(ctx, s, schema.LogInfo, step.ID, "step disabled, skipping", nil)
			s.addTrace(step, "skipped", nil, nil, 0)
			next, err := it.resolveNext(ctx, s, step, nil)
			if err != nil {
				return it.finish(ctx, s, err)
			}
			frontier = append(frontier, next...)
			continue
		}

		exec.Iterations++
		if exec.Iterations > maxIter {
			return it.finish(ctx, s, schema.NewErrorf(schema.ErrCodeLimitExceeded,
				"exceeded %d step iterations", maxIter).WithStep(step.ID))
		}

		exec.CurrentStepID = step.ID
		it.publish(exec, schema.EventStepStarted, step.ID, nil)
		started := time.Now()

		outcome, stepErr := it.runStepWithRetry(ctx, s, step)
		elapsed := time.Since(started)

		if stepErr != nil {
			s.addTrace(step, "failed", nil, stepErr, elapsed)
			next, handled := it.handleFailure(ctx, s, step, stepErr)
			if !handled {
				return it.finish(ctx, s, stepErr)
			}
			frontier = append(frontier, next...)
			if err := it.checkpoint(ctx, s); err != nil {
				return it.release(ctx, s, err)
			}
			continue
		}

		if outcome.Pause != nil {
			s.addTrace(step, "waiting", nil, nil, elapsed)
			return it.pause(ctx, s, step, outcome.Pause)
		}

		if err := applyOutputs(exec, step, outcome.Output); err != nil {
			return it.finish(ctx, s, err)
		}
		exec.MarkCompleted(step.ID)
		s.addTrace(step, "completed", outcome.Output, nil, elapsed)
		it.log(ctx, s, schema.LogDebug, step.ID, "step completed", map[string]any{"duration_ms": elapsed.Milliseconds()})

		next, err := it.resolveNext(ctx, s, step, outcome)
		if err != nil {
			return it.finish(ctx, s, err)
		}
		frontier = append(frontier, next...)

		// Checkpoint before publishing: subscribers must never observe a
		// completion that is not yet durable.
		if err := it.checkpoint(ctx, s); err != nil {
			return it.release(ctx, s, err)
		}
		it.publish(exec, schema.EventStepCompleted, step.ID, map[string]any{"duration_ms": elapsed.Milliseconds()})
	}

	return it.finish(ctx, s, nil)
}

// seedFrontier decides where to start: resume a wait, recover the
// checkpointed current step, or enter at the top. A (nil, nil) return
// with exec.Wait set means the wait is not yet resolved.
func (it *Interpreter) seedFrontier(ctx context.Context, s *runSession) ([]string, error) {
	exec, wf := s.exec, s.wf

	if exec.Wait != nil {
		return it.resumeWait(ctx, s)
	}
	if exec.CurrentStepID != "" && !exec.CompletedStep(exec.CurrentStepID) {
		// Crash recovery: re-run the step that was in flight.
		return []string{exec.CurrentStepID}, nil
	}
	if exec.CurrentStepID != "" {
		step := wf.FindStep(exec.CurrentStepID)
		if step == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q not found in workflow", exec.CurrentStepID)
		}
		return it.resolveNext(ctx, s, step, nil)
	}
	entry, err := wf.EntryStep()
	if err != nil {
		return nil, err
	}
	return []string{entry.ID}, nil
}

// resumeWait resolves the durable wait the execution parked on. The
// resolution state lives in the context tree (decisions, signals) or in
// the child execution's status, so resuming is a pure read.
func (it *Interpreter) resumeWait(ctx context.Context, s *runSession) ([]string, error) {
	exec, wf := s.exec, s.wf
	w := exec.Wait
	step := wf.FindStep(w.StepID)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "waiting step %q not found in workflow", w.StepID)
	}
	now := time.Now().UTC()

	var output any
	switch w.Kind {
	case schema.WaitTimer:
		if w.ResumeAt == nil || now.Before(*w.ResumeAt) {
			return nil, nil // not due yet
		}
		output = map[string]any{"waited_ms": now.Sub(w.CreatedAt).Milliseconds()}

	case schema.WaitSignal:
		payload, ok := exec.Context.GetPath(signalPathPrefix + w.Signal)
		if !ok {
			return nil, nil
		}
		it.publish(exec, schema.EventSignalReceived, step.ID, map[string]any{"signal": w.Signal})
		output = payload

	case schema.WaitApproval:
		d := exec.Context.DecisionFor(w.StepID)
		if d == nil {
			if w.ResumeAt != nil && !now.Before(*w.ResumeAt) {
				// Deadline passed with no decision: auto-reject.
				exec.Context.RecordDecision(schema.Decision{
					StepID: w.StepID, Approved: false, Actor: "system",
					Comment: "approval deadline expired", DecidedAt: now,
				})
				it.publish(exec, schema.EventApprovalResolved, step.ID, map[string]any{"approved": false, "actor": "system"})
				return nil, schema.NewError(schema.ErrCodeApprovalTimeout,
					"approval deadline expired with no decision").WithStep(step.ID)
			}
			return nil, nil
		}
		it.publish(exec, schema.EventApprovalResolved, step.ID, map[string]any{"approved": d.Approved, "actor": d.Actor})
		if !d.Approved {
			return nil, schema.NewErrorf(schema.ErrCodeApprovalRejected, "rejected by %s", d.Actor).WithStep(step.ID)
		}
		output = map[string]any{"approved": true, "actor": d.Actor, "comment": d.Comment}

	case schema.WaitChild:
		child, err := it.store.GetExecution(ctx, w.ChildID)
		if err != nil {
			return nil, err
		}
		switch child.Status {
		case schema.ExecutionStatusCompleted:
			output = map[string]any{"child_id": child.ID, "output": child.Context.Variables}
		case schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled:
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"subworkflow execution %s %s: %s", child.ID, child.Status, child.Error).WithStep(step.ID)
		default:
			return nil, nil
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown wait kind %q", w.Kind)
	}

	exec.Wait = nil
	if into := waitInto(step); into != "" {
		if err := exec.Context.SetPath(into, output); err != nil {
			return nil, err
		}
	}
	if err := applyOutputs(exec, step, output); err != nil {
		return nil, err
	}
	exec.MarkCompleted(step.ID)
	it.log(ctx, s, schema.LogInfo, step.ID, "wait resolved", map[string]any{"kind": string(w.Kind)})
	return it.resolveNext(ctx, s, step, nil)
}

// waitInto extracts the into path for step kinds that can park.
func waitInto(step *schema.Step) string {
	if step.Kind != schema.StepSubworkflow {
		return ""
	}
	var cfg schema.SubworkflowConfig
	if step.DecodeConfig(&cfg) != nil {
		return ""
	}
	return cfg.Into
}

// runStepWithRetry executes a step under its retry policy. Attempts are
// logged; retry eligibility honors both the policy's code filter and the
// step's idempotency rules.
func (it *Interpreter) runStepWithRetry(ctx context.Context, s *runSession, step *schema.Step) (*StepOutcome, error) {
	policy := step.Retry
	if policy == nil && step.OnError != nil && step.OnError.Strategy == schema.StrategyRetry {
		policy = step.OnError.Retry
	}
	attempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		attempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		outcome, err := it.executor.Execute(ctx, s.wf, s.exec, step, nil)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if attempt+1 >= attempts || policy == nil || !policyAllows(policy, err) || !RetryableStep(step, err) {
			break
		}
		delay := ComputeBackoff(policy, attempt)
		it.publish(s.exec, schema.EventStepRetrying, step.ID, map[string]any{"attempt": attempt + 1, "delay_ms": delay.Milliseconds()})
		it.log(ctx, s, schema.LogWarn, step.ID, "step failed, retrying", map[string]any{
			"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			break
		}
	}
	return nil, lastErr
}

// handleFailure applies the step's on_error strategy. It returns the
// follow-up frontier and whether the failure was absorbed.
func (it *Interpreter) handleFailure(ctx context.Context, s *runSession, step *schema.Step, stepErr error) ([]string, bool) {
	exec := s.exec
	exec.MarkFailed(step.ID)
	it.publish(exec, schema.EventStepFailed, step.ID, map[string]any{"error": stepErr.Error(), "code": schema.CodeOf(stepErr)})
	it.log(ctx, s, schema.LogError, step.ID, "step failed", map[string]any{"error": stepErr.Error(), "code": schema.CodeOf(stepErr)})

	h := step.OnError
	if h == nil {
		return nil, false
	}
	switch h.Strategy {
	case schema.StrategySkip:
		it.log(ctx, s, schema.LogWarn, step.ID, "skipping failed step", nil)
		next, err := it.resolveNext(ctx, s, step, nil)
		if err != nil {
			return nil, false
		}
		return next, true
	case schema.StrategyFallback:
		if h.FallbackStepID == "" || s.wf.FindStep(h.FallbackStepID) == nil {
			return nil, false
		}
		it.log(ctx, s, schema.LogWarn, step.ID, "routing to fallback step", map[string]any{"fallback": h.FallbackStepID})
		return []string{h.FallbackStepID}, true
	default:
		// retry was already consumed; fail is the default.
		return nil, false
	}
}

// resolveNext computes the successor frontier for a completed step.
// Conditional cases are evaluated in declared order; no match and no
// default ends the path.
func (it *Interpreter) resolveNext(ctx context.Context, s *runSession, step *schema.Step, outcome *StepOutcome) ([]string, error) {
	if outcome != nil && outcome.NextOverride != nil {
		for _, id := range outcome.NextOverride {
			if s.wf.FindStep(id) == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q routes to unknown step %q", step.ID, id).WithStep(step.ID)
			}
		}
		return outcome.NextOverride, nil
	}

	n := step.Next
	if n == nil {
		return nil, nil
	}
	if n.Conditional() {
		data := expressions.Scope(s.exec, nil)
		for _, c := range n.Cases {
			matched, err := it.executor.eval.EvalPredicate(ctx, c.When, data)
			if err != nil {
				return nil, wrapStepErr(err, step.ID)
			}
			if matched {
				if s.wf.FindStep(c.To) == nil {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q routes to unknown step %q", step.ID, c.To).WithStep(step.ID)
				}
				return []string{c.To}, nil
			}
		}
		if n.Default != "" {
			if s.wf.FindStep(n.Default) == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q routes to unknown step %q", step.ID, n.Default).WithStep(step.ID)
			}
			return []string{n.Default}, nil
		}
		return nil, nil
	}
	for _, id := range n.IDs {
		if s.wf.FindStep(id) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q routes to unknown step %q", step.ID, id).WithStep(step.ID)
		}
	}
	return n.IDs, nil
}

// boundaryChecks runs between steps: context expiry, cooperative
// cancellation and the wall-clock guard. A non-nil return means the run
// is over and fully accounted for.
func (it *Interpreter) boundaryChecks(ctx context.Context, s *runSession, deadline time.Time) error {
	exec := s.exec

	if ctx.Err() != nil {
		// Host shutdown: checkpoint and release so another worker resumes.
		if s.persist {
			flushCtx := context.WithoutCancel(ctx)
			if err := it.store.UpdateExecution(flushCtx, exec, s.workerID); err != nil {
				it.logger.Warn("shutdown checkpoint failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
			}
			_ = it.store.ReleaseLease(flushCtx, exec.ID, s.workerID)
		}
		return ctx.Err()
	}

	cancelRequested := exec.CancelRequested
	if s.persist {
		if latest, err := it.store.GetExecution(ctx, exec.ID); err == nil {
			cancelRequested = cancelRequested || latest.CancelRequested
			// Signals and decisions can land while we run.
			exec.CancelRequested = latest.CancelRequested
		}
	}
	if cancelRequested {
		now := time.Now().UTC()
		_ = Transition(exec, schema.ExecutionStatusCancelled)
		exec.EndedAt = &now
		it.log(ctx, s, schema.LogInfo, "", "execution cancelled", nil)
		it.persistTerminal(ctx, s, schema.AuditExecutionCancelled, nil)
		it.publish(exec, schema.EventExecutionCancelled, "", nil)
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}

	if time.Now().After(deadline) {
		err := schema.NewErrorf(schema.ErrCodeLimitExceeded,
			"exceeded maximum execution time of %s", s.wf.Settings.MaxExecutionTimeOrDefault())
		return it.finish(ctx, s, err)
	}
	return nil
}

func (it *Interpreter) wallDeadline(s *runSession) time.Time {
	start := time.Now()
	if s.exec.StartedAt != nil {
		start = *s.exec.StartedAt
	}
	return start.Add(s.wf.Settings.MaxExecutionTimeOrDefault())
}

// pause parks the execution on a durable wait and releases the lease.
func (it *Interpreter) pause(ctx context.Context, s *runSession, step *schema.Step, wait *schema.WaitState) error {
	exec := s.exec
	exec.Wait = wait
	if err := Transition(exec, schema.ExecutionStatusWaiting); err != nil {
		return it.release(ctx, s, err)
	}
	it.log(ctx, s, schema.LogInfo, step.ID, "execution waiting", map[string]any{"kind": string(wait.Kind)})
	if err := it.park(ctx, s); err != nil {
		return err
	}
	it.publish(exec, schema.EventExecutionWaiting, step.ID, map[string]any{"kind": string(wait.Kind)})
	if wait.Kind == schema.WaitApproval {
		it.publish(exec, schema.EventApprovalRequested, step.ID, map[string]any{"approvers": wait.Approvers})
	}
	return nil
}

// park persists the waiting state and releases the lease.
func (it *Interpreter) park(ctx context.Context, s *runSession) error {
	exec := s.exec
	if exec.Status == schema.ExecutionStatusRunning {
		// Claimed before the wait was due; put it back.
		if err := Transition(exec, schema.ExecutionStatusWaiting); err != nil {
			return it.release(ctx, s, err)
		}
	}
	if !s.persist {
		return nil
	}
	if err := it.store.UpdateExecution(ctx, exec, s.workerID); err != nil {
		return it.release(ctx, s, err)
	}
	return it.store.ReleaseLease(ctx, exec.ID, s.workerID)
}

// finish moves the execution to its terminal status and notifies a
// waiting parent.
func (it *Interpreter) finish(ctx context.Context, s *runSession, runErr error) error {
	exec := s.exec
	now := time.Now().UTC()
	exec.EndedAt = &now
	// CurrentStepID stays: it is the resume point for retryExecution and
	// tells operators where a failed run stopped.

	// Terminal state is persisted first; the matching event goes out
	// only once the write is durable.
	if runErr == nil {
		_ = Transition(exec, schema.ExecutionStatusCompleted)
		it.log(ctx, s, schema.LogInfo, "", "execution completed", map[string]any{"iterations": exec.Iterations})
		it.persistTerminal(ctx, s, schema.AuditExecutionCompleted, nil)
		it.publish(exec, schema.EventExecutionCompleted, "", nil)
		return nil
	}

	exec.Error = runErr.Error()
	exec.ErrorCode = schema.CodeOf(runErr)
	if schema.CodeOf(runErr) == schema.ErrCodeCancelled {
		_ = Transition(exec, schema.ExecutionStatusCancelled)
		it.persistTerminal(ctx, s, schema.AuditExecutionCancelled, runErr)
		it.publish(exec, schema.EventExecutionCancelled, "", nil)
	} else {
		_ = Transition(exec, schema.ExecutionStatusFailed)
		it.log(ctx, s, schema.LogError, "", "execution failed", map[string]any{"error": runErr.Error(), "code": exec.ErrorCode})
		it.persistTerminal(ctx, s, schema.AuditExecutionFailed, runErr)
		it.publish(exec, schema.EventExecutionFailed, "", map[string]any{"error": runErr.Error(), "code": exec.ErrorCode})
	}
	return runErr
}

// persistTerminal writes the final state, releases the lease, records
// the audit entry and wakes a parent blocked on this child.
func (it *Interpreter) persistTerminal(ctx context.Context, s *runSession, auditAction string, cause error) {
	if !s.persist {
		return
	}
	exec := s.exec
	if err := it.store.UpdateExecution(ctx, exec, s.workerID); err != nil {
		it.logger.Warn("terminal checkpoint failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}
	_ = it.store.ReleaseLease(ctx, exec.ID, s.workerID)

	detail := map[string]any{"status": string(exec.Status), "iterations": exec.Iterations}
	if cause != nil {
		detail["error"] = cause.Error()
		detail["code"] = schema.CodeOf(cause)
	}
	entry := &schema.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      "engine",
		Action:     auditAction,
		EntityKind: "execution",
		EntityID:   exec.ID,
		Detail:     detail,
	}
	if err := it.store.AppendAudit(ctx, entry); err != nil {
		it.logger.Warn("audit append failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}

	it.notifyParent(ctx, exec)
}

// notifyParent flips a parent waiting on this child back to pending so
// a runner picks it up.
func (it *Interpreter) notifyParent(ctx context.Context, exec *schema.Execution) {
	if exec.ParentID == "" {
		return
	}
	parent, err := it.store.GetExecution(ctx, exec.ParentID)
	if err != nil {
		return
	}
	if parent.Status != schema.ExecutionStatusWaiting || parent.Wait == nil ||
		parent.Wait.Kind != schema.WaitChild || parent.Wait.ChildID != exec.ID {
		return
	}
	if err := Transition(parent, schema.ExecutionStatusPending); err != nil {
		return
	}
	if err := it.store.UpdateExecution(ctx, parent, ""); err != nil {
		it.logger.Warn("parent wake failed",
			slog.String("parent_id", parent.ID),
			slog.String("child_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// checkpoint persists the execution and extends the lease at a step
// boundary.
func (it *Interpreter) checkpoint(ctx context.Context, s *runSession) error {
	if !s.persist {
		return nil
	}
	if err := it.store.UpdateExecution(ctx, s.exec, s.workerID); err != nil {
		return err
	}
	return it.store.ExtendLease(ctx, s.exec.ID, s.workerID, it.leaseTTL)
}

// release abandons the run, surfacing err.
func (it *Interpreter) release(ctx context.Context, s *runSession, err error) error {
	if s.persist {
		_ = it.store.ReleaseLease(ctx, s.exec.ID, s.workerID)
	}
	return err
}

// log writes an execution log line (durable when persisting) and mirrors
// it to the process logger.
func (it *Interpreter) log(ctx context.Context, s *runSession, level schema.LogLevel, stepID, msg string, data map[string]any) {
	if s.persist {
		entry := &schema.LogEntry{
			ExecutionID: s.exec.ID,
			Timestamp:   time.Now().UTC(),
			Level:       level,
			StepID:      stepID,
			Message:     msg,
			Data:        data,
		}
		if err := it.store.AppendLog(ctx, entry); err != nil {
			it.logger.Warn("execution log append failed", slog.String("execution_id", s.exec.ID), slog.String("error", err.Error()))
		}
	}
	attrs := []any{slog.String("execution_id", s.exec.ID)}
	if stepID != "" {
		attrs = append(attrs, slog.String("step_id", stepID))
	}
	switch level {
	case schema.LogDebug:
		it.logger.DebugContext(ctx, msg, attrs...)
	case schema.LogWarn:
		it.logger.WarnContext(ctx, msg, attrs...)
	case schema.LogError:
		it.logger.ErrorContext(ctx, msg, attrs...)
	default:
		it.logger.InfoContext(ctx, msg, attrs...)
	}
}

func (it *Interpreter) publish(exec *schema.Execution, eventType, stepID string, detail map[string]any) {
	it.events.Publish(schema.ProgressEvent{
		Type:        eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *runSession) addTrace(step *schema.Step, status string, output any, err error, elapsed time.Duration) {
	if s.persist {
		return // traces are only collected on ephemeral runs
	}
	t := StepTrace{
		StepID:     step.ID,
		Kind:       step.Kind,
		Status:     status,
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		t.Error = err.Error()
	}
	s.trace = append(s.trace, t)
}
