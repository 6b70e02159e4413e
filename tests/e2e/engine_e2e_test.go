// End-to-end tests running the full engine stack against libSQL: the
// background runner claims work, the wait manager wakes timers and
// routes approvals, and executions flow from HTTP or API start through
// to a terminal status.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/actions"
	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/secrets"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/internal/streaming"
	"github.com/tessen/flowcore/internal/validation"
	"github.com/tessen/flowcore/internal/waits"
	"github.com/tessen/flowcore/pkg/schema"
)

const (
	awaitTimeout = 10 * time.Second
	awaitTick    = 10 * time.Millisecond
)

type harness struct {
	t        *testing.T
	store    *store.LibSQLStore
	engine   *engine.Engine
	waits    *waits.Manager
	hub      *streaming.MemoryHub
	notifier *actions.MemoryNotifier
}

// newHarness builds the full stack on a temp libSQL file and starts the
// runner and wait-manager loops. Both stop on test cleanup.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	s, err := store.NewLibSQLStore("file:"+dbPath, secrets.PlaintextCipher{})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	eval, err := expressions.NewEvaluator(expressions.Limits{})
	require.NoError(t, err)
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.HTTPConfig{}))
	notifier := &actions.MemoryNotifier{}
	ex := engine.NewExecutor(s, eval, reg, s.Records(), notifier, engine.ExecutorConfig{PoolSize: 4}, logger)

	hub := streaming.NewMemoryHub()
	interp := engine.NewInterpreter(s, ex, hub, engine.InterpreterConfig{}, logger)
	wm := waits.NewManager(s, logger)
	validator, err := validation.NewWorkflowValidator(reg)
	require.NoError(t, err)
	eng := engine.NewEngine(s, interp, wm, validator, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runner := engine.NewRunner(interp, "e2e-worker", engine.RunnerConfig{
		PollInterval: 20 * time.Millisecond,
		Concurrency:  4,
	}, logger)
	go func() { _ = runner.Run(ctx) }()
	go func() { _ = wm.Run(ctx, 20*time.Millisecond) }()

	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})

	return &harness{t: t, store: s, engine: eng, waits: wm, hub: hub, notifier: notifier}
}

func (h *harness) saveActive(wf *schema.Workflow) {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.engine.SaveWorkflow(ctx, wf))
	require.NoError(h.t, h.engine.SetWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusActive))
}

func (h *harness) start(workflowID string, input map[string]any) string {
	h.t.Helper()
	exec, err := h.engine.StartExecution(context.Background(), engine.StartRequest{
		WorkflowID: workflowID,
		Input:      input,
		Initiator:  "e2e",
	})
	require.NoError(h.t, err)
	return exec.ID
}

// awaitStatus polls until the execution reaches want.
func (h *harness) awaitStatus(executionID string, want schema.ExecutionStatus) *schema.Execution {
	h.t.Helper()
	var exec *schema.Execution
	require.Eventually(h.t, func() bool {
		var err error
		exec, err = h.engine.GetExecution(context.Background(), executionID)
		return err == nil && exec.Status == want
	}, awaitTimeout, awaitTick, "execution %s never reached %s", executionID, want)
	return exec
}

func cfg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func next(ids ...string) *schema.NextSteps {
	return &schema.NextSteps{IDs: ids}
}

func TestOrderPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-orders",
		Name: "order pipeline",
		Steps: []schema.Step{
			{ID: "intake", Kind: schema.StepTrigger, Next: next("total")},
			{ID: "total", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "quantity * price",
				Into:   "total",
			}), Next: next("review")},
			{ID: "review", Kind: schema.StepCondition, Config: cfg(t, schema.ConditionConfig{
				Expression: "vars.total > 100.0",
				OnTrue:     "notify",
				OnFalse:    "record",
			})},
			{ID: "notify", Kind: schema.StepNotification, Config: cfg(t, schema.NotificationConfig{
				Channel:    "email",
				Recipients: []string{"ops@example.com"},
				Subject:    "large order",
			}), Next: next("record")},
			{ID: "record", Kind: schema.StepCRUDCreate, Config: cfg(t, schema.CRUDConfig{
				Collection: "orders",
				Record:     map[string]any{"status": "accepted"},
				Into:       "order",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, map[string]any{"quantity": 30, "price": 5})
	exec := h.awaitStatus(id, schema.ExecutionStatusCompleted)

	assert.EqualValues(t, 150, exec.Context.Variables["total"])
	assert.Contains(t, exec.CompletedStepIDs, "notify")
	assert.Contains(t, exec.CompletedStepIDs, "record")
	assert.Nil(t, exec.Lease)

	// the notification went out and the record landed in storage
	require.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, "email", h.notifier.Sent()[0].Channel)
	rows, err := h.store.Records().Query(context.Background(), "orders",
		map[string]any{"status": "accepted"}, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	logs, err := h.engine.GetLogs(context.Background(), id, 0, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	audit, err := h.store.ListAudit(context.Background(), store.AuditFilter{EntityID: id})
	require.NoError(t, err)
	seen := make([]string, 0, len(audit))
	for _, entry := range audit {
		seen = append(seen, entry.Action)
	}
	assert.Contains(t, seen, schema.AuditExecutionCreated)
}

func TestApprovalRoundTrip(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-approve",
		Name: "release approval",
		Steps: []schema.Step{
			{ID: "gate", Kind: schema.StepApproval, Config: cfg(t, schema.ApprovalConfig{
				Approvers: []string{"lead"},
				Message:   "ship it?",
			}), Next: next("done")},
			{ID: "done", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "true", Into: "shipped",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	exec := h.awaitStatus(id, schema.ExecutionStatusWaiting)
	require.NotNil(t, exec.Wait)
	assert.Equal(t, schema.WaitApproval, exec.Wait.Kind)
	assert.Equal(t, "gate", exec.Wait.StepID)

	// somebody outside the approver list cannot decide
	err := h.engine.ApproveStep(context.Background(), id, "intern", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeForbidden, schema.CodeOf(err))

	require.NoError(t, h.engine.ApproveStep(context.Background(), id, "lead", "go"))
	exec = h.awaitStatus(id, schema.ExecutionStatusCompleted)
	assert.EqualValues(t, true, exec.Context.Variables["shipped"])

	decision := exec.Context.DecisionFor("gate")
	require.NotNil(t, decision)
	assert.True(t, decision.Approved)
	assert.Equal(t, "lead", decision.Actor)
}

func TestRejectionFailsExecution(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-reject",
		Name: "rejected release",
		Steps: []schema.Step{
			{ID: "gate", Kind: schema.StepApproval, Config: cfg(t, schema.ApprovalConfig{
				Approvers: []string{"lead"},
			}), Next: next("after")},
			{ID: "after", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "true", Into: "ran",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	h.awaitStatus(id, schema.ExecutionStatusWaiting)

	require.NoError(t, h.engine.RejectStep(context.Background(), id, "lead", "not yet"))
	exec := h.awaitStatus(id, schema.ExecutionStatusFailed)
	assert.Equal(t, schema.ErrCodeApprovalRejected, exec.ErrorCode)
	assert.NotContains(t, exec.CompletedStepIDs, "after")
}

func TestTimerWaitResumes(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-timer",
		Name: "timed resume",
		Steps: []schema.Step{
			{ID: "pause", Kind: schema.StepWait, Config: cfg(t, schema.WaitConfig{
				DurationMs: 50,
			}), Next: next("after")},
			{ID: "after", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "true", Into: "woke",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	exec := h.awaitStatus(id, schema.ExecutionStatusCompleted)
	assert.EqualValues(t, true, exec.Context.Variables["woke"])
	assert.ElementsMatch(t, []string{"pause", "after"}, exec.CompletedStepIDs)
}

func TestSignalWakesWaitingExecution(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-signal",
		Name: "signal wait",
		Steps: []schema.Step{
			{ID: "hold", Kind: schema.StepWait, Config: cfg(t, schema.WaitConfig{
				Signal: "payment_cleared",
			}), Next: next("after")},
			{ID: "after", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "vars.signals.payment_cleared.amount",
				Into:   "settled",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	exec := h.awaitStatus(id, schema.ExecutionStatusWaiting)
	require.NotNil(t, exec.Wait)
	assert.Equal(t, schema.WaitSignal, exec.Wait.Kind)

	err := h.engine.Signal(context.Background(), id, "payment_cleared", map[string]any{"amount": 42})
	require.NoError(t, err)

	exec = h.awaitStatus(id, schema.ExecutionStatusCompleted)
	assert.EqualValues(t, 42, exec.Context.Variables["settled"])
}

func TestFailingStepFailsExecution(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-fail",
		Name: "failing transform",
		Steps: []schema.Step{
			{ID: "boom", Kind: schema.StepDataTransform, Config: cfg(t, schema.TransformConfig{
				Query: `error("upstream rejected the batch")`,
				Into:  "out",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	exec := h.awaitStatus(id, schema.ExecutionStatusFailed)
	assert.Contains(t, exec.Error, "upstream rejected the batch")
	assert.Contains(t, exec.FailedStepIDs, "boom")
	assert.Nil(t, exec.Lease)
}

func TestCancelStopsWaitingExecution(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-cancel",
		Name: "cancelled wait",
		Steps: []schema.Step{
			{ID: "hold", Kind: schema.StepWait, Config: cfg(t, schema.WaitConfig{
				Signal: "never",
			})},
		},
	}
	h.saveActive(wf)

	id := h.start(wf.ID, nil)
	h.awaitStatus(id, schema.ExecutionStatusWaiting)

	require.NoError(t, h.engine.CancelExecution(context.Background(), id, "e2e"))
	h.awaitStatus(id, schema.ExecutionStatusCancelled)
}

func TestValidatorBlocksBrokenWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-broken",
		Name: "broken routing",
		Steps: []schema.Step{
			{ID: "a", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "1", Into: "x",
			}), Next: next("ghost")},
		},
	}
	err := h.engine.SaveWorkflow(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
