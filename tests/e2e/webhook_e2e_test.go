package e2e

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/webhook"
	"github.com/tessen/flowcore/pkg/schema"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookDeliveryRunsWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := &schema.Workflow{
		ID:   "wf-hook",
		Name: "webhook intake",
		Steps: []schema.Step{
			{ID: "keep", Kind: schema.StepScript, Config: cfg(t, schema.ScriptConfig{
				Source: "amount", Into: "received",
			})},
		},
	}
	h.saveActive(wf)

	const secret = "hunter2"
	require.NoError(t, h.store.SaveWebhook(context.Background(), &schema.WebhookConfig{
		ID:           "hook-1",
		WorkflowID:   wf.ID,
		Secret:       secret,
		InputMapping: `{amount: .order.amount}`,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := expressions.NewEvaluator(expressions.Limits{})
	require.NoError(t, err)
	dispatcher := webhook.NewDispatcher(h.store, h.engine, eval, logger)
	srv := httptest.NewServer(webhook.NewHandler(dispatcher, logger).Routes())
	defer srv.Close()

	body := []byte(`{"order":{"amount":99,"customer":"acme"}}`)

	// unsigned deliveries bounce before anything starts
	resp, err := http.Post(srv.URL+"/webhooks/hook-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/hook-1", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.SignatureHeader, sign(secret, body))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.ExecutionID)

	exec := h.awaitStatus(accepted.ExecutionID, schema.ExecutionStatusCompleted)
	assert.Equal(t, schema.TriggerWebhook, exec.Trigger)
	assert.EqualValues(t, 99, exec.Context.Variables["received"])

	// the mapping dropped everything but the amount
	_, hasCustomer := exec.Context.Variables["customer"]
	assert.False(t, hasCustomer)
}

func TestWebhookUnknownEndpoint(t *testing.T) {
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval, err := expressions.NewEvaluator(expressions.Limits{})
	require.NoError(t, err)
	dispatcher := webhook.NewDispatcher(h.store, h.engine, eval, logger)
	srv := httptest.NewServer(webhook.NewHandler(dispatcher, logger).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/ghost", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
