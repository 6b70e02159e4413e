package audit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// HistogramSize is the ring capacity per histogram; older samples are
// overwritten once a histogram wraps.
const HistogramSize = 1024

// Metrics holds process-local counters and duration histograms.
type Metrics struct {
	started         atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	cancelled       atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	webhookAccepted atomic.Int64
	webhookRejected atomic.Int64

	mu         sync.Mutex
	histograms map[string]*ringHistogram
}

// Snapshot is a point-in-time metrics export.
type Snapshot struct {
	Started         int64                       `json:"started"`
	Completed       int64                       `json:"completed"`
	Failed          int64                       `json:"failed"`
	Cancelled       int64                       `json:"cancelled"`
	CacheHits       int64                       `json:"cache_hits"`
	CacheMisses     int64                       `json:"cache_misses"`
	WebhookAccepted int64                       `json:"webhook_accepted"`
	WebhookRejected int64                       `json:"webhook_rejected"`
	Durations       map[string]DurationSnapshot `json:"durations,omitempty"`
}

// DurationSnapshot summarizes one histogram.
type DurationSnapshot struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{histograms: make(map[string]*ringHistogram)}
}

// CountAction maps an audit action onto its counter. Unrecognized
// actions are ignored.
func (m *Metrics) CountAction(action string) {
	switch action {
	case schema.AuditExecutionStarted:
		m.started.Add(1)
	case schema.AuditExecutionCompleted:
		m.completed.Add(1)
	case schema.AuditExecutionFailed:
		m.failed.Add(1)
	case schema.AuditExecutionCancelled:
		m.cancelled.Add(1)
	case schema.AuditWebhookReceived:
		m.webhookAccepted.Add(1)
	case schema.AuditWebhookRejected:
		m.webhookRejected.Add(1)
	}
}

// CacheHit increments the cache hit counter.
func (m *Metrics) CacheHit() { m.cacheHits.Add(1) }

// CacheMiss increments the cache miss counter.
func (m *Metrics) CacheMiss() { m.cacheMisses.Add(1) }

// ObserveDuration records one sample into the named histogram,
// typically keyed by workflow ID or step kind.
func (m *Metrics) ObserveDuration(name string, d time.Duration) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = newRingHistogram(HistogramSize)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.observe(d)
}

// Snapshot exports all counters and histogram percentiles.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Started:         m.started.Load(),
		Completed:       m.completed.Load(),
		Failed:          m.failed.Load(),
		Cancelled:       m.cancelled.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		WebhookAccepted: m.webhookAccepted.Load(),
		WebhookRejected: m.webhookRejected.Load(),
	}

	m.mu.Lock()
	if len(m.histograms) > 0 {
		snap.Durations = make(map[string]DurationSnapshot, len(m.histograms))
		for name, h := range m.histograms {
			snap.Durations[name] = h.snapshot()
		}
	}
	m.mu.Unlock()
	return snap
}

// ringHistogram keeps the most recent samples in a fixed ring.
type ringHistogram struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
	total   int64
}

func newRingHistogram(size int) *ringHistogram {
	return &ringHistogram{samples: make([]time.Duration, size)}
}

func (h *ringHistogram) observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = d
	h.next++
	h.total++
	if h.next == len(h.samples) {
		h.next = 0
		h.filled = true
	}
}

func (h *ringHistogram) snapshot() DurationSnapshot {
	h.mu.Lock()
	n := h.next
	if h.filled {
		n = len(h.samples)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, h.samples[:n])
	total := h.total
	h.mu.Unlock()

	if n == 0 {
		return DurationSnapshot{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return DurationSnapshot{
		Count: total,
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
	}
}

// percentile uses nearest-rank on an ascending sample set.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
