package prefetch

import (
	"sort"
	"sync"
	"time"
)

// DefaultActivityWindow is how far back touches count toward warming.
const DefaultActivityWindow = 5 * time.Minute

// ActivityTracker records resource touches and proposes the most active
// keys as prefetch candidates. It backs the default warming strategy:
// what ran recently is what runs next.
type ActivityTracker struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	touches map[string][]time.Time
}

// NewActivityTracker creates a tracker with the given window.
func NewActivityTracker(window time.Duration) *ActivityTracker {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &ActivityTracker{
		window:  window,
		now:     time.Now,
		touches: make(map[string][]time.Time),
	}
}

// Touch records one access of key.
func (t *ActivityTracker) Touch(key string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touches[key] = append(t.prune(t.touches[key], now), now)
}

// Propose returns up to k keys ordered by in-window activity, busiest
// first.
func (t *ActivityTracker) Propose(k int) []string {
	now := t.now()
	type activity struct {
		key   string
		count int
	}

	t.mu.Lock()
	ranked := make([]activity, 0, len(t.touches))
	for key, times := range t.touches {
		times = t.prune(times, now)
		if len(times) == 0 {
			delete(t.touches, key)
			continue
		}
		t.touches[key] = times
		ranked = append(ranked, activity{key: key, count: len(times)})
	}
	t.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})
	if k > len(ranked) {
		k = len(ranked)
	}
	keys := make([]string, 0, k)
	for _, a := range ranked[:k] {
		keys = append(keys, a.key)
	}
	return keys
}

// WarmInto enqueues the tracker's top k proposals on pool, priority by
// rank.
func (t *ActivityTracker) WarmInto(pool *Pool, k int) int {
	proposals := t.Propose(k)
	enqueued := 0
	for rank, key := range proposals {
		if _, err := pool.Enqueue(key, len(proposals)-rank); err == nil {
			enqueued++
		}
	}
	return enqueued
}

func (t *ActivityTracker) prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
