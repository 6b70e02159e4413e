package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func TestWorkerPoolCapsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx := context.Background()

	var running, peak atomic.Int32
	release := make(chan struct{})
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		err := pool.Submit(ctx, func() {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			<-release
			running.Add(-1)
		})
		// With 2 slots the third submit would block; launch releases first.
		if i == 1 {
			close(release)
		}
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Submitted)
	assert.Equal(t, int64(6), stats.Completed)
	assert.Zero(t, stats.Panics)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func() { panic("step exploded") }))
	require.NoError(t, pool.Submit(ctx, func() {}))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func() {})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	blocked := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func() { <-blocked }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func() {})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))

	close(blocked)
	pool.Wait()
}

func TestRunnerClaimsAndRunsPending(t *testing.T) {
	ts := newTestStack(t)
	wf := ts.saveActive(t, &schema.Workflow{
		Name: "runner-target",
		Steps: []schema.Step{
			{ID: "emit", Kind: schema.StepScript, Config: stepConfig(t, map[string]any{
				"source": "1 + 1",
				"into":   "answer",
			})},
		},
	})
	id := ts.start(t, wf.ID, nil)

	runner := NewRunner(ts.interp, "runner-1", RunnerConfig{
		PollInterval: 10 * time.Millisecond,
		Batch:        5,
		Concurrency:  2,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got := ts.fetch(t, id)
		return got.Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	got := ts.fetch(t, id)
	assert.EqualValues(t, 2, got.Context.Variables["answer"])
	assert.Nil(t, got.Lease)
}
