package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

type countingHits struct {
	hits, misses atomic.Int64
}

func (c *countingHits) CacheHit()  { c.hits.Add(1) }
func (c *countingHits) CacheMiss() { c.misses.Add(1) }

func newCachingStore(t *testing.T) (*CachingStore, *store.MemoryStore, *countingHits) {
	t.Helper()
	inner := store.NewMemoryStore()
	tiers := NewTieredCache(nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	counter := &countingHits{}
	return NewCachingStore(inner, tiers, counter), inner, counter
}

func saveWorkflow(t *testing.T, s *CachingStore, name string) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:      "wf-" + name,
		Version: 1,
		Name:    name,
		Status:  schema.WorkflowStatusActive,
		Steps: []schema.Step{
			{ID: "only", Kind: schema.StepScript, Config: json.RawMessage(`{"source":"1"}`)},
		},
	}
	require.NoError(t, s.SaveWorkflow(context.Background(), wf))
	return wf
}

func TestGetWorkflowReadsThroughCache(t *testing.T) {
	s, inner, counter := newCachingStore(t)
	ctx := context.Background()
	wf := saveWorkflow(t, s, "orders")

	first, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", first.Name)
	assert.EqualValues(t, 1, counter.misses.Load())

	// a status change behind the decorator's back is not visible: the
	// second read is served from the hot tier
	require.NoError(t, inner.SetWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusPaused))
	second, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, second.Status)
	assert.Equal(t, first.Steps[0].ID, second.Steps[0].ID)
	assert.EqualValues(t, 1, counter.hits.Load())
}

func TestSaveWorkflowInvalidatesCachedDefinition(t *testing.T) {
	s, _, _ := newCachingStore(t)
	ctx := context.Background()
	wf := saveWorkflow(t, s, "orders")

	cached, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "orders", cached.Name)

	wf.Name = "orders-v2"
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	fresh, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders-v2", fresh.Name)
}

func TestSetWorkflowStatusInvalidates(t *testing.T) {
	s, _, _ := newCachingStore(t)
	ctx := context.Background()
	wf := saveWorkflow(t, s, "orders")

	cached, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusActive, cached.Status)

	require.NoError(t, s.SetWorkflowStatus(ctx, wf.ID, schema.WorkflowStatusPaused))
	fresh, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, fresh.Status)
}

func TestGetWorkflowMissFallsThrough(t *testing.T) {
	s, _, counter := newCachingStore(t)
	_, err := s.GetWorkflow(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.EqualValues(t, 1, counter.misses.Load())
}
