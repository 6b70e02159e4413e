package audit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

func TestCountActionMapsLifecycleEvents(t *testing.T) {
	m := NewMetrics()
	m.CountAction(schema.AuditExecutionStarted)
	m.CountAction(schema.AuditExecutionStarted)
	m.CountAction(schema.AuditExecutionCompleted)
	m.CountAction(schema.AuditExecutionFailed)
	m.CountAction(schema.AuditWebhookReceived)
	m.CountAction(schema.AuditWebhookRejected)
	m.CountAction("something.unknown")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Started)
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.WebhookAccepted)
	assert.Equal(t, int64(1), snap.WebhookRejected)
	assert.Zero(t, snap.Cancelled)
}

func TestHistogramPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= 100; i++ {
		m.ObserveDuration("execution", time.Duration(i)*time.Millisecond)
	}

	snap := m.Snapshot()
	d := snap.Durations["execution"]
	assert.Equal(t, int64(100), d.Count)
	assert.Equal(t, 50*time.Millisecond, d.P50)
	assert.Equal(t, 95*time.Millisecond, d.P95)
	assert.Equal(t, 99*time.Millisecond, d.P99)
}

func TestHistogramRingWraps(t *testing.T) {
	m := NewMetrics()
	// Overfill the ring; only the most recent HistogramSize samples count
	// toward percentiles, but the total keeps climbing.
	for i := 0; i < HistogramSize+200; i++ {
		m.ObserveDuration("step", time.Millisecond)
	}

	d := m.Snapshot().Durations["step"]
	assert.Equal(t, int64(HistogramSize+200), d.Count)
	assert.Equal(t, time.Millisecond, d.P99)
}

func TestHistogramSingleSample(t *testing.T) {
	m := NewMetrics()
	m.ObserveDuration("one", 7*time.Millisecond)

	d := m.Snapshot().Durations["one"]
	assert.Equal(t, int64(1), d.Count)
	assert.Equal(t, 7*time.Millisecond, d.P50)
	assert.Equal(t, 7*time.Millisecond, d.P99)
}

func TestObserveDurationConcurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.ObserveDuration("hot", time.Millisecond)
				m.CacheHit()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(800), snap.Durations["hot"].Count)
	assert.Equal(t, int64(800), snap.CacheHits)
}

func TestRecorderAppendsAndCounts(t *testing.T) {
	st := store.NewMemoryStore()
	metrics := NewMetrics()
	rec := NewRecorder(st, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	rec.Record(ctx, "", schema.AuditExecutionStarted, "execution", "exec-1", map[string]any{"workflow_id": "wf-1"})
	rec.Record(ctx, "scheduler", schema.AuditScheduleFired, "schedule", "sch-1", nil)

	entries, err := rec.List(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byAction := map[string]*schema.AuditEntry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	assert.Equal(t, "engine", byAction[schema.AuditExecutionStarted].Actor)
	assert.Equal(t, "scheduler", byAction[schema.AuditScheduleFired].Actor)
	assert.Equal(t, int64(1), metrics.Snapshot().Started)
}
