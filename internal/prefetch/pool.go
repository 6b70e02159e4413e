// Package prefetch warms the cache ahead of demand. A bounded priority
// queue feeds N workers; each job fetches one resource through a
// pluggable Fetcher and writes it into the tiered cache. Jobs that
// exhaust their retries land on a dead-letter list for inspection and
// manual replay.
package prefetch

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessen/flowcore/internal/cache"
	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/pkg/schema"
)

// DefaultWorkers is the fetch concurrency.
const DefaultWorkers = 4

// DefaultQueueSize bounds pending jobs.
const DefaultQueueSize = 256

// DefaultMaxAttempts bounds per-job fetch retries.
const DefaultMaxAttempts = 3

// Fetcher loads one resource by key, returning its serialized form.
type Fetcher interface {
	Fetch(ctx context.Context, resourceKey string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, resourceKey string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, resourceKey string) ([]byte, error) {
	return f(ctx, resourceKey)
}

// Job is one prefetch request.
type Job struct {
	ID          string    `json:"id"`
	ResourceKey string    `json:"resource_key"`
	Priority    int       `json:"priority"` // higher drains first
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Config tunes the pool.
type Config struct {
	Workers     int                 // default 4
	QueueSize   int                 // default 256
	MaxAttempts int                 // default 3
	Backoff     *schema.RetryPolicy // pacing between attempts
}

// Pool runs prefetch jobs against a cache.
type Pool struct {
	fetcher Fetcher
	cache   *cache.TieredCache
	policy  *schema.RetryPolicy
	workers int
	maxSize int
	logger  *slog.Logger

	mu     sync.Mutex
	queue  jobHeap
	dead   map[string]*Job
	notify chan struct{}

	wg      sync.WaitGroup
	started bool
	cancel  context.CancelFunc
}

// NewPool builds a prefetch pool.
func NewPool(fetcher Fetcher, c *cache.TieredCache, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &schema.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BackoffMs: 50, Multiplier: 2, MaxBackoffMs: 1000}
	} else if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = cfg.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		fetcher: fetcher,
		cache:   c,
		policy:  cfg.Backoff,
		workers: cfg.Workers,
		maxSize: cfg.QueueSize,
		logger:  logger,
		dead:    make(map[string]*Job),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds a prefetch job. A full queue rejects with LIMIT_EXCEEDED.
func (p *Pool) Enqueue(resourceKey string, priority int) (string, error) {
	if resourceKey == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "resource key is required")
	}
	job := &Job{
		ID:          uuid.NewString(),
		ResourceKey: resourceKey,
		Priority:    priority,
		EnqueuedAt:  time.Now().UTC(),
	}

	p.mu.Lock()
	if p.queue.Len() >= p.maxSize {
		p.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeLimitExceeded, "prefetch queue is full (%d jobs)", p.maxSize)
	}
	heap.Push(&p.queue, job)
	p.mu.Unlock()

	p.wake()
	return job.ID, nil
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "prefetch pool already started")
	}
	p.started = true
	workCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workCtx)
	}
	p.logger.Info("prefetch pool started", slog.Int("workers", p.workers))
	return nil
}

// Stop halts the workers and waits for in-flight fetches.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.started = false
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Drain processes queued jobs synchronously until the queue empties.
// Used by tests and one-shot warmup at process start.
func (p *Pool) Drain(ctx context.Context) {
	for {
		job := p.pop()
		if job == nil {
			return
		}
		p.runJob(ctx, job)
	}
}

// DeadLetters lists jobs that exhausted their retries.
func (p *Pool) DeadLetters() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, 0, len(p.dead))
	for _, job := range p.dead {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

// RetryDead re-enqueues a dead-lettered job with a fresh attempt budget.
func (p *Pool) RetryDead(jobID string) error {
	p.mu.Lock()
	job, ok := p.dead[jobID]
	if !ok {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "dead-letter job %s not found", jobID)
	}
	delete(p.dead, jobID)
	job.Attempts = 0
	job.LastError = ""
	job.EnqueuedAt = time.Now().UTC()
	heap.Push(&p.queue, job)
	p.mu.Unlock()

	p.wake()
	return nil
}

// QueueDepth reports pending jobs.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		job := p.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		p.runJob(ctx, job)
	}
}

func (p *Pool) runJob(ctx context.Context, job *Job) {
	err := engine.ExecuteWithRetry(ctx, p.policy, func(attempt int, err error) {
		p.logger.DebugContext(ctx, "retrying prefetch",
			slog.String("resource_key", job.ResourceKey),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}, func(ctx context.Context) error {
		job.Attempts++
		raw, err := p.fetcher.Fetch(ctx, job.ResourceKey)
		if err != nil {
			return err
		}
		p.cache.Set(ctx, job.ResourceKey, raw)
		return nil
	})
	if err == nil {
		return
	}

	job.LastError = err.Error()
	p.mu.Lock()
	p.dead[job.ID] = job
	p.mu.Unlock()
	p.logger.WarnContext(ctx, "prefetch job dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("resource_key", job.ResourceKey),
		slog.Int("attempts", job.Attempts),
		slog.String("error", err.Error()),
	)
}

func (p *Pool) pop() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.queue).(*Job)
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// jobHeap orders by priority descending, then FIFO within a priority.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
