package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []engine.StartRequest
}

func (f *fakeStarter) StartExecution(ctx context.Context, req engine.StartRequest) (*schema.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &schema.Execution{ID: uuid.NewString(), WorkflowID: req.WorkflowID}, nil
}

func (f *fakeStarter) started() []engine.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.StartRequest(nil), f.reqs...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *fakeStarter) {
	t.Helper()
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eval, err := expressions.NewEvaluator(expressions.Limits{})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(st, starter, eval, logger), st, starter
}

func seedWebhook(t *testing.T, st *store.MemoryStore, cfg *schema.WebhookConfig) *schema.WebhookConfig {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.WorkflowID == "" {
		cfg.WorkflowID = "wf-1"
	}
	cfg.Enabled = true
	cfg.CreatedAt = time.Now().UTC()
	require.NoError(t, st.SaveWebhook(context.Background(), cfg))
	return cfg
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func delivery(cfg *schema.WebhookConfig, sourceIP string, body []byte) Delivery {
	h := http.Header{}
	if cfg.Secret != "" {
		h.Set(SignatureHeader, sign(cfg.Secret, body))
	}
	return Delivery{WebhookID: cfg.ID, SourceIP: sourceIP, Headers: h, Body: body}
}

func TestDispatchMapsInputAndStarts(t *testing.T) {
	d, st, starter := newTestDispatcher(t)
	ctx := context.Background()
	cfg := seedWebhook(t, st, &schema.WebhookConfig{
		Secret:       "wh-secret",
		InputMapping: `{order_id: .order.id, total: .order.total}`,
	})

	body := []byte(`{"order": {"id": "ORD-9", "total": 41.5, "noise": true}}`)
	exec, err := d.Dispatch(ctx, delivery(cfg, "10.0.0.7", body))
	require.NoError(t, err)
	require.NotNil(t, exec)

	reqs := starter.started()
	require.Len(t, reqs, 1)
	assert.Equal(t, cfg.WorkflowID, reqs[0].WorkflowID)
	assert.Equal(t, schema.TriggerWebhook, reqs[0].Trigger)
	assert.Equal(t, map[string]any{"order_id": "ORD-9", "total": 41.5}, reqs[0].Input)

	audits, err := st.ListAudit(ctx, store.AuditFilter{Action: schema.AuditWebhookReceived})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, exec.ID, audits[0].Detail["execution_id"])
}

func TestDispatchWithoutMappingPassesPayload(t *testing.T) {
	d, st, starter := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "s"})

	body := []byte(`{"event": "push"}`)
	_, err := d.Dispatch(context.Background(), delivery(cfg, "10.0.0.7", body))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"event": "push"}, starter.started()[0].Input)
}

func TestDispatchNonObjectPayloadWrapped(t *testing.T) {
	d, st, starter := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "s", InputMapping: `.items | length`})

	body := []byte(`{"items": [1, 2, 3]}`)
	_, err := d.Dispatch(context.Background(), delivery(cfg, "10.0.0.7", body))
	require.NoError(t, err)
	assert.EqualValues(t, 3, starter.started()[0].Input["payload"])
}

func TestDispatchUnknownWebhook(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), Delivery{WebhookID: "nope", SourceIP: "10.0.0.1"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestDispatchDisabledWebhookLooksAbsent(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "s"})
	cfg.Enabled = false
	require.NoError(t, st.SaveWebhook(context.Background(), cfg))

	_, err := d.Dispatch(context.Background(), delivery(cfg, "10.0.0.7", nil))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	audits, err := st.ListAudit(context.Background(), store.AuditFilter{Action: schema.AuditWebhookRejected})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "disabled", audits[0].Detail["reason"])
}

func TestDispatchCIDRAllowList(t *testing.T) {
	d, st, starter := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{
		Secret:       "s",
		AllowedCIDRs: []string{"10.0.0.0/8", "192.168.1.0/24"},
	})

	_, err := d.Dispatch(context.Background(), delivery(cfg, "10.20.30.40", nil))
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), delivery(cfg, "203.0.113.9", nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeForbidden, schema.CodeOf(err))
	assert.Len(t, starter.started(), 1)
}

func TestDispatchRequiredHeaders(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{
		Secret:          "s",
		RequiredHeaders: map[string]string{"X-Event-Kind": "order", "X-Tenant": ""},
	})

	del := delivery(cfg, "10.0.0.7", nil)
	_, err := d.Dispatch(context.Background(), del)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	del.Headers.Set("X-Event-Kind", "user")
	del.Headers.Set("X-Tenant", "acme")
	_, err = d.Dispatch(context.Background(), del)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	del.Headers.Set("X-Event-Kind", "order")
	_, err = d.Dispatch(context.Background(), del)
	assert.NoError(t, err)
}

func TestDispatchSignatureVerification(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "wh-secret"})
	body := []byte(`{"n": 1}`)

	del := Delivery{WebhookID: cfg.ID, SourceIP: "10.0.0.7", Headers: http.Header{}, Body: body}
	_, err := d.Dispatch(context.Background(), del)
	assert.Equal(t, schema.ErrCodeUnauthorized, schema.CodeOf(err))

	del.Headers.Set(SignatureHeader, sign("wrong-secret", body))
	_, err = d.Dispatch(context.Background(), del)
	assert.Equal(t, schema.ErrCodeUnauthorized, schema.CodeOf(err))

	// Tampered body under a valid signature of the original.
	del.Headers.Set(SignatureHeader, sign("wh-secret", []byte(`{"n": 2}`)))
	_, err = d.Dispatch(context.Background(), del)
	assert.Equal(t, schema.ErrCodeUnauthorized, schema.CodeOf(err))

	// The conventional sha256= prefix is accepted.
	del.Headers.Set(SignatureHeader, "sha256="+sign("wh-secret", body))
	_, err = d.Dispatch(context.Background(), del)
	assert.NoError(t, err)
}

func TestDispatchRateLimitPerSourceAndWorkflow(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "s", RateLimit: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(ctx, delivery(cfg, "10.0.0.7", nil))
		require.NoError(t, err)
	}
	_, err := d.Dispatch(ctx, delivery(cfg, "10.0.0.7", nil))
	assert.Equal(t, schema.ErrCodeRateLimited, schema.CodeOf(err))

	// A different source IP has its own window.
	_, err = d.Dispatch(ctx, delivery(cfg, "10.0.0.8", nil))
	assert.NoError(t, err)
}

func TestDispatchBadJSONBody(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "s"})

	_, err := d.Dispatch(context.Background(), delivery(cfg, "10.0.0.7", []byte("{not json")))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestHandlerEndToEnd(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "wh-secret"})
	h := NewHandler(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body := []byte(`{"event": "deploy"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/"+cfg.ID, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, sign("wh-secret", body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["executionId"])
}

func TestHandlerMapsErrorStatuses(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	cfg := seedWebhook(t, st, &schema.WebhookConfig{Secret: "wh-secret"})
	h := NewHandler(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	post := func(path string, sig string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, post("/webhooks/missing", ""))
	assert.Equal(t, http.StatusUnauthorized, post("/webhooks/"+cfg.ID, "deadbeef"))
}

func TestRateLimiterWindowReset(t *testing.T) {
	l := NewRateLimiter(time.Minute)
	clock := time.Now()
	l.now = func() time.Time { return clock }

	require.True(t, l.Allow("k", 2))
	require.True(t, l.Allow("k", 2))
	require.False(t, l.Allow("k", 2))

	clock = clock.Add(61 * time.Second)
	assert.True(t, l.Allow("k", 2))

	l.Sweep()
	assert.True(t, l.Allow("other", 1))
}
