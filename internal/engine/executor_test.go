package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/actions"
	"github.com/tessen/flowcore/pkg/schema"
)

// flakyAction fails its first failures calls, then succeeds.
type flakyAction struct {
	mu       sync.Mutex
	calls    int
	failures int
	code     string
}

func (a *flakyAction) Name() string                        { return "test.flaky" }
func (a *flakyAction) Schema() actions.ActionSchema        { return actions.ActionSchema{} }
func (a *flakyAction) Validate(input map[string]any) error { return nil }

func (a *flakyAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return nil, schema.NewError(a.code, "transient failure")
	}
	return &actions.ActionOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func TestActionStepWritesInto(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-action",
		Steps: []schema.Step{
			{ID: "log", Kind: schema.StepAction, Config: stepConfig(t, schema.ActionConfig{
				Action: "log.message",
				Params: map[string]any{"message": "hello ${name}", "level": "info"},
				Into:   "log_result",
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, map[string]any{"name": "world"})
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	result := exec.Context.Variables["log_result"].(map[string]any)
	assert.Equal(t, "hello world", result["message"])
	assert.Equal(t, true, result["logged"])
}

func TestActionStepUnknownAction(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-unknown-action",
		Steps: []schema.Step{
			{ID: "boom", Kind: schema.StepAction, Config: stepConfig(t, schema.ActionConfig{Action: "no.such"})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.Error(t, ts.run(t, id))
	exec := ts.fetch(t, id)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeNotFound, exec.ErrorCode)
}

func TestRetryPolicyRecoversTransientFailure(t *testing.T) {
	ts := newTestStack(t)
	flaky := &flakyAction{failures: 2, code: schema.ErrCodeUpstream}
	require.NoError(t, ts.registry.Register(flaky))

	wf := &schema.Workflow{
		ID: "wf-flaky",
		Steps: []schema.Step{
			{ID: "call", Kind: schema.StepAction,
				Config: stepConfig(t, schema.ActionConfig{Action: "test.flaky", Into: "result"}),
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, BackoffMs: 1}},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryPolicyExhausts(t *testing.T) {
	ts := newTestStack(t)
	flaky := &flakyAction{failures: 10, code: schema.ErrCodeUpstream}
	require.NoError(t, ts.registry.Register(flaky))

	wf := &schema.Workflow{
		ID: "wf-exhaust",
		Steps: []schema.Step{
			{ID: "call", Kind: schema.StepAction,
				Config: stepConfig(t, schema.ActionConfig{Action: "test.flaky"}),
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, BackoffMs: 1}},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.Error(t, ts.run(t, id))
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, schema.ExecutionStatusFailed, ts.fetch(t, id).Status)
}

func TestRetryPolicySkipsNonRetryableCodes(t *testing.T) {
	ts := newTestStack(t)
	flaky := &flakyAction{failures: 10, code: schema.ErrCodeValidation}
	require.NoError(t, ts.registry.Register(flaky))

	wf := &schema.Workflow{
		ID: "wf-nonretry",
		Steps: []schema.Step{
			{ID: "call", Kind: schema.StepAction,
				Config: stepConfig(t, schema.ActionConfig{Action: "test.flaky"}),
				Retry:  &schema.RetryPolicy{MaxAttempts: 5, BackoffMs: 1}},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.Error(t, ts.run(t, id))
	// Validation errors are never retried.
	assert.Equal(t, 1, flaky.calls)
}

func TestDataTransformStep(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-jq",
		Steps: []schema.Step{
			{ID: "shape", Kind: schema.StepDataTransform, Config: stepConfig(t, schema.TransformConfig{
				Query: `{count: (.items | length), skus: [.items[].sku]}`,
				Input: "order",
				Into:  "summary",
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, map[string]any{
		"order": map[string]any{
			"items": []any{
				map[string]any{"sku": "A-1"},
				map[string]any{"sku": "B-2"},
			},
		},
	})
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	summary := exec.Context.Variables["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["count"])
	assert.Equal(t, []any{"A-1", "B-2"}, summary["skus"])
}

func TestAPICallStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/ORD-1", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer srv.Close()

	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-api",
		Steps: []schema.Step{
			{ID: "lookup", Kind: schema.StepAPICall, Config: stepConfig(t, schema.APICallConfig{
				Method:  "GET",
				URL:     srv.URL + "/orders/${order_id}",
				Headers: map[string]string{"Authorization": "Bearer ${token}"},
				Into:    "order_state",
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, map[string]any{"order_id": "ORD-1", "token": "tok-1"})
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	state := exec.Context.Variables["order_state"].(map[string]any)
	assert.EqualValues(t, 200, state["status_code"])
	body := state["body"].(map[string]any)
	assert.Equal(t, "shipped", body["status"])
}

func TestAPICallUpstreamErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-api-err",
		Steps: []schema.Step{
			{ID: "call", Kind: schema.StepAPICall, Config: stepConfig(t, schema.APICallConfig{
				Method: "GET", URL: srv.URL,
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.Error(t, ts.run(t, id))
	exec := ts.fetch(t, id)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeUpstream, exec.ErrorCode)
}

func TestParallelAllMergesBranches(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-parallel",
		Steps: []schema.Step{
			{ID: "fan", Kind: schema.StepParallel, Config: stepConfig(t, schema.ParallelConfig{
				Branches: [][]schema.Step{
					{{ID: "left", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: `"L"`, Into: "left"})}},
					{{ID: "right", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: `"R"`, Into: "right"})}},
					{{ID: "shared", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: `"last"`, Into: "who"})}},
				},
			}), Next: nextTo("after")},
			{ID: "after", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: "left + right", Into: "combined"})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "L", exec.Context.Variables["left"])
	assert.Equal(t, "R", exec.Context.Variables["right"])
	assert.Equal(t, "last", exec.Context.Variables["who"])
	assert.Equal(t, "LR", exec.Context.Variables["combined"])
}

func TestParallelBranchFailureFailsStep(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-parallel-fail",
		Steps: []schema.Step{
			{ID: "fan", Kind: schema.StepParallel, Config: stepConfig(t, schema.ParallelConfig{
				Branches: [][]schema.Step{
					{{ID: "good", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: "1", Into: "good"})}},
					{{ID: "bad", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: "nope + 1"})}},
				},
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.Error(t, ts.run(t, id))
	assert.Equal(t, schema.ExecutionStatusFailed, ts.fetch(t, id).Status)
}

func TestParallelRaceKeepsWinnerOnly(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-race",
		Steps: []schema.Step{
			{ID: "race", Kind: schema.StepParallel, Config: stepConfig(t, schema.ParallelConfig{
				Mode: "race",
				Branches: [][]schema.Step{
					{{ID: "a", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: `"a"`, Into: "winner"})}},
					{{ID: "b", Kind: schema.StepScript, Config: stepConfig(t, schema.ScriptConfig{Source: `"b"`, Into: "winner"})}},
				},
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	winner := exec.Context.Variables["winner"]
	assert.Contains(t, []any{"a", "b"}, winner)
}

func TestCRUDSteps(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-crud",
		Steps: []schema.Step{
			{ID: "create", Kind: schema.StepCRUDCreate, Config: stepConfig(t, schema.CRUDConfig{
				Collection: "orders",
				Record:     map[string]any{"sku": "${sku}", "qty": 2},
				Into:       "created",
			}), Next: nextTo("update")},
			{ID: "update", Kind: schema.StepCRUDUpdate, Config: stepConfig(t, schema.CRUDConfig{
				Collection: "orders",
				RecordID:   "$created.id",
				Record:     map[string]any{"qty": 5},
				Into:       "updated",
			}), Next: nextTo("query")},
			{ID: "query", Kind: schema.StepCRUDQuery, Config: stepConfig(t, schema.CRUDConfig{
				Collection: "orders",
				Filter:     map[string]any{"sku": "${sku}"},
				Into:       "found",
			}), Next: nextTo("remove")},
			{ID: "remove", Kind: schema.StepCRUDDelete, Config: stepConfig(t, schema.CRUDConfig{
				Collection: "orders",
				RecordID:   "$created.id",
				Into:       "removed",
			})},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, map[string]any{"sku": "A-1"})
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	updated := exec.Context.Variables["updated"].(map[string]any)
	assert.EqualValues(t, 5, updated["qty"])
	found := exec.Context.Variables["found"].([]any)
	require.Len(t, found, 1)
	removed := exec.Context.Variables["removed"].(map[string]any)
	assert.Equal(t, true, removed["deleted"])
}

func TestOutputsMapping(t *testing.T) {
	ts := newTestStack(t)
	wf := &schema.Workflow{
		ID: "wf-outputs",
		Steps: []schema.Step{
			{ID: "shape", Kind: schema.StepDataTransform,
				Config:  stepConfig(t, schema.TransformConfig{Query: `{nested: {value: 42}, flag: true}`}),
				Outputs: map[string]string{"answer": "nested.value", "ok": "flag"}},
		},
	}
	ts.saveActive(t, wf)

	id := ts.start(t, wf.ID, nil)
	require.NoError(t, ts.run(t, id))

	exec := ts.fetch(t, id)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.EqualValues(t, 42, exec.Context.Variables["answer"])
	assert.Equal(t, true, exec.Context.Variables["ok"])
}

func TestRetryableStepAPIIdempotency(t *testing.T) {
	upstream := schema.NewError(schema.ErrCodeUpstream, "bad gateway")

	post := &schema.Step{ID: "p", Kind: schema.StepAPICall,
		Config: json.RawMessage(`{"method":"POST","url":"https://x"}`)}
	assert.False(t, RetryableStep(post, upstream))

	idempotentPost := &schema.Step{ID: "p", Kind: schema.StepAPICall,
		Config: json.RawMessage(`{"method":"POST","url":"https://x","idempotent":true}`)}
	assert.True(t, RetryableStep(idempotentPost, upstream))

	get := &schema.Step{ID: "g", Kind: schema.StepAPICall,
		Config: json.RawMessage(`{"method":"GET","url":"https://x"}`)}
	assert.True(t, RetryableStep(get, upstream))

	script := &schema.Step{ID: "s", Kind: schema.StepScript}
	assert.True(t, RetryableStep(script, upstream))
	assert.False(t, RetryableStep(script, schema.NewError(schema.ErrCodeValidation, "bad")))
}
