package webhook

import (
	"sync"
	"time"
)

// DefaultRateLimit applies when a webhook config sets no limit.
const DefaultRateLimit = 60

// DefaultRateWindow is the fixed-window length.
const DefaultRateWindow = time.Minute

// RateLimiter is a fixed-window counter keyed by caller. Windows reset
// wholesale when their period elapses; a burst straddling the boundary
// can briefly see up to 2x the limit, which is acceptable for webhook
// abuse protection.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*rateBucket
	now     func() time.Time // swapped in tests
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter creates a limiter with the given window length.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		window:  window,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow admits one request for key under limit, counting it when admitted.
func (l *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &rateBucket{windowStart: now, count: 1}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

// Sweep drops buckets whose window has long expired. Called periodically
// to bound memory on high-cardinality caller sets.
func (l *RateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= 2*l.window {
			delete(l.buckets, key)
		}
	}
}
