package cache

import (
	"context"

	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// WorkflowKeyPrefix namespaces cached workflow definitions.
const WorkflowKeyPrefix = "workflow:"

// HitCounter receives cache read outcomes. *audit.Metrics satisfies it.
type HitCounter interface {
	CacheHit()
	CacheMiss()
}

// CachingStore decorates a Store, serving workflow definition reads
// through the tiered cache and invalidating on writes. Webhook configs
// are deliberately not cached: their signing secret is stripped by JSON
// serialization and must never reach the warm tier in the clear.
type CachingStore struct {
	store.Store
	tiers   *TieredCache
	counter HitCounter
}

// NewCachingStore wraps s. counter may be nil.
func NewCachingStore(s store.Store, tiers *TieredCache, counter HitCounter) *CachingStore {
	return &CachingStore{Store: s, tiers: tiers, counter: counter}
}

func (c *CachingStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	key := WorkflowKeyPrefix + id
	wf := &schema.Workflow{}
	if c.tiers.GetJSON(ctx, key, wf) {
		c.hit()
		return wf, nil
	}
	c.miss()
	wf, err := c.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	c.tiers.SetJSON(ctx, key, wf)
	return wf, nil
}

func (c *CachingStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if err := c.Store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	c.tiers.Invalidate(ctx, WorkflowKeyPrefix+wf.ID)
	return nil
}

func (c *CachingStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	if err := c.Store.SetWorkflowStatus(ctx, id, status); err != nil {
		return err
	}
	c.tiers.Invalidate(ctx, WorkflowKeyPrefix+id)
	return nil
}

func (c *CachingStore) hit() {
	if c.counter != nil {
		c.counter.CacheHit()
	}
}

func (c *CachingStore) miss() {
	if c.counter != nil {
		c.counter.CacheMiss()
	}
}
