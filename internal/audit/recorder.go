// Package audit records lifecycle events and in-process metrics. The
// recorder is the single choke point for audit writes so every caller
// gets the same actor defaulting and failure handling; metrics are
// process-local counters and latency histograms surfaced by Snapshot.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// Recorder appends immutable audit entries.
type Recorder struct {
	store   store.Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewRecorder builds a recorder. metrics may be nil.
func NewRecorder(s store.Store, metrics *Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, metrics: metrics, logger: logger}
}

// Record appends one audit entry. Append failures are logged, never
// surfaced; an audit outage must not fail the operation being audited.
func (r *Recorder) Record(ctx context.Context, actor, action, entityKind, entityID string, detail map[string]any) {
	if actor == "" {
		actor = "engine"
	}
	entry := &schema.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Detail:     detail,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "audit append failed",
			slog.String("action", action),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.metrics != nil {
		r.metrics.CountAction(action)
	}
}

// List returns audit entries matching filter.
func (r *Recorder) List(ctx context.Context, filter store.AuditFilter) ([]*schema.AuditEntry, error) {
	return r.store.ListAudit(ctx, filter)
}
