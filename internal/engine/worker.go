package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// WorkerPool bounds concurrency with a semaphore. Parallel steps and the
// dispatch runner share one pool so branch fan-out cannot starve the host.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Size      int   `json:"size"`
	InFlight  int   `json:"in_flight"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit runs task on a pool slot, blocking until one frees or ctx ends.
// A panicking task is recovered and counted; it never takes down the pool.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return schema.NewError(schema.ErrCodeTimeout, "timed out waiting for a pool slot").WithCause(ctx.Err())
	}

	p.submitted.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				slog.Error("pool task panicked", slog.Any("panic", r))
			}
			<-p.sem
			p.completed.Add(1)
			p.wg.Done()
		}()
		task()
	}()
	return nil
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown stops accepting tasks and waits for in-flight ones.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns current pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Size:      cap(p.sem),
		InFlight:  len(p.sem),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

// Runner polls the store for claimable executions and drives each one
// through the interpreter. One Runner per worker process.
type Runner struct {
	interp   *Interpreter
	workerID string
	poll     time.Duration
	batch    int
	pool     *WorkerPool
	logger   *slog.Logger
}

// RunnerConfig tunes the dispatch loop.
type RunnerConfig struct {
	PollInterval time.Duration // default 500ms
	Batch        int           // claim attempts per tick, default 10
	Concurrency  int           // simultaneous executions, default DefaultPoolSize
}

// NewRunner builds a dispatch runner around an interpreter.
func NewRunner(interp *Interpreter, workerID string, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		interp:   interp,
		workerID: workerID,
		poll:     cfg.PollInterval,
		batch:    cfg.Batch,
		pool:     NewWorkerPool(cfg.Concurrency),
		logger:   logger,
	}
}

// Run polls until ctx is cancelled, then drains in-flight executions.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "worker runner started",
		slog.String("worker_id", r.workerID),
		slog.Duration("poll_interval", r.poll),
	)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.pool.Wait()
			r.logger.Info("worker runner stopped", slog.String("worker_id", r.workerID))
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	ids, err := r.interp.Store().ListClaimable(ctx, r.batch)
	if err != nil {
		r.logger.WarnContext(ctx, "listing claimable executions failed", slog.String("error", err.Error()))
		return
	}
	for _, id := range ids {
		executionID := id
		err := r.pool.Submit(ctx, func() {
			if err := r.interp.Run(ctx, executionID, r.workerID); err != nil {
				// CONFLICT here means another worker won the claim.
				if schema.CodeOf(err) == schema.ErrCodeConflict {
					return
				}
				r.logger.WarnContext(ctx, "execution run ended with error",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()),
				)
			}
		})
		if err != nil {
			return
		}
	}
}
