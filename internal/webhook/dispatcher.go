// Package webhook verifies inbound webhook deliveries and turns them
// into workflow executions. Every delivery walks the same gauntlet:
// CIDR allow-list, required headers, HMAC signature, rate limit, input
// mapping. A rejection at any stage is audited with the stage name but
// never with signature or secret material.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Starter launches executions. Satisfied by *engine.Engine.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*schema.Execution, error)
}

// Transformer maps a delivery payload into workflow input. Satisfied by
// *expressions.Evaluator.
type Transformer interface {
	Transform(ctx context.Context, query string, input any) (any, error)
}

// Delivery is one inbound webhook request, already read off the wire.
type Delivery struct {
	WebhookID string
	SourceIP  string
	Headers   http.Header
	Body      []byte
}

// Dispatcher verifies deliveries and starts executions.
type Dispatcher struct {
	store     store.Store
	starter   Starter
	transform Transformer
	limiter   *RateLimiter
	logger    *slog.Logger
}

// NewDispatcher builds a dispatcher with a fresh per-minute rate limiter.
func NewDispatcher(s store.Store, starter Starter, transformer Transformer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     s,
		starter:   starter,
		transform: transformer,
		limiter:   NewRateLimiter(DefaultRateWindow),
		logger:    logger,
	}
}

// Dispatch runs the verification pipeline and starts the bound workflow.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) (*schema.Execution, error) {
	cfg, err := d.store.GetWebhook(ctx, del.WebhookID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		// Disabled endpoints are indistinguishable from absent ones.
		d.reject(ctx, cfg, del, "disabled")
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "webhook %s not found", del.WebhookID)
	}

	if err := checkCIDR(del.SourceIP, cfg.AllowedCIDRs); err != nil {
		d.reject(ctx, cfg, del, "cidr")
		return nil, err
	}
	if err := checkHeaders(del.Headers, cfg.RequiredHeaders); err != nil {
		d.reject(ctx, cfg, del, "headers")
		return nil, err
	}
	if err := verifySignature(del.Body, del.Headers.Get(SignatureHeader), cfg.Secret); err != nil {
		d.reject(ctx, cfg, del, "signature")
		return nil, err
	}
	if !d.limiter.Allow(del.SourceIP+"|"+cfg.WorkflowID, cfg.RateLimit) {
		d.reject(ctx, cfg, del, "rate_limit")
		return nil, schema.NewErrorf(schema.ErrCodeRateLimited,
			"rate limit exceeded for workflow %s", cfg.WorkflowID)
	}

	input, err := d.mapInput(ctx, cfg, del.Body)
	if err != nil {
		d.reject(ctx, cfg, del, "input_mapping")
		return nil, err
	}

	exec, err := d.starter.StartExecution(ctx, engine.StartRequest{
		WorkflowID: cfg.WorkflowID,
		Input:      input,
		Trigger:    schema.TriggerWebhook,
		Initiator:  "webhook:" + cfg.ID,
	})
	if err != nil {
		return nil, err
	}

	d.audit(ctx, schema.AuditWebhookReceived, cfg, del, map[string]any{
		"workflow_id":  cfg.WorkflowID,
		"execution_id": exec.ID,
	})
	d.logger.InfoContext(ctx, "webhook accepted",
		slog.String("webhook_id", cfg.ID),
		slog.String("workflow_id", cfg.WorkflowID),
		slog.String("execution_id", exec.ID),
		slog.String("source_ip", del.SourceIP),
	)
	return exec, nil
}

// mapInput builds the execution input from the raw body, applying the
// configured gojq mapping when present.
func (d *Dispatcher) mapInput(ctx context.Context, cfg *schema.WebhookConfig, body []byte) (map[string]any, error) {
	var payload any = map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
		}
	}

	if cfg.InputMapping != "" {
		mapped, err := d.transform.Transform(ctx, cfg.InputMapping, payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "input mapping failed").WithCause(err)
		}
		payload = mapped
	}

	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"payload": payload}, nil
}

func (d *Dispatcher) reject(ctx context.Context, cfg *schema.WebhookConfig, del Delivery, reason string) {
	d.audit(ctx, schema.AuditWebhookRejected, cfg, del, map[string]any{
		"workflow_id": cfg.WorkflowID,
		"reason":      reason,
	})
	d.logger.WarnContext(ctx, "webhook rejected",
		slog.String("webhook_id", cfg.ID),
		slog.String("source_ip", del.SourceIP),
		slog.String("reason", reason),
	)
}

func (d *Dispatcher) audit(ctx context.Context, action string, cfg *schema.WebhookConfig, del Delivery, detail map[string]any) {
	detail["source_ip"] = del.SourceIP
	entry := &schema.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      "webhook",
		Action:     action,
		EntityKind: "webhook",
		EntityID:   cfg.ID,
		Detail:     detail,
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "audit append failed", slog.String("error", err.Error()))
	}
}

// checkCIDR admits sourceIP when the allow-list is empty or any prefix
// contains it.
func checkCIDR(sourceIP string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeForbidden, "unparseable source address %q", sourceIP)
	}
	addr = addr.Unmap()
	for _, cidr := range allowed {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeForbidden, "source address %s is not allow-listed", sourceIP)
}

// checkHeaders requires each configured header; a non-empty configured
// value must match exactly.
func checkHeaders(headers http.Header, required map[string]string) error {
	for name, want := range required {
		got := headers.Get(name)
		if got == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "missing required header %s", name)
		}
		if want != "" && got != want {
			return schema.NewErrorf(schema.ErrCodeValidation, "header %s has unexpected value", name)
		}
	}
	return nil
}

// verifySignature compares the hex HMAC-SHA256 of body against the
// signature header in constant time. An optional "sha256=" prefix on
// the header is accepted. An empty configured secret disables signing.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return schema.NewError(schema.ErrCodeUnauthorized, "missing signature header")
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return schema.NewError(schema.ErrCodeUnauthorized, "malformed signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return schema.NewError(schema.ErrCodeUnauthorized, "signature mismatch")
	}
	return nil
}
