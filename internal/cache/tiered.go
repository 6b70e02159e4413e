// Package cache provides a two-tier read-through cache: a small
// in-process hot tier in front of a shared Redis warm tier. Workflow
// definitions and webhook configs are the main tenants. Redis being
// down degrades to hot-tier-only; it never fails a read path.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every warm-tier key.
const KeyPrefix = "flowcore:"

// DefaultHotTTL is the in-process tier lifetime.
const DefaultHotTTL = 60 * time.Second

// DefaultWarmTTL is the Redis tier lifetime.
const DefaultWarmTTL = 10 * time.Minute

// warmTier is the slice of the Redis API the cache uses. Satisfied by
// *redis.Client; narrowed so tests can fake it.
type warmTier interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Config tunes tier lifetimes.
type Config struct {
	HotTTL  time.Duration // default 60s
	WarmTTL time.Duration // default 10m
	Prefix  string        // default "flowcore:"
}

// Stats is a point-in-time snapshot of per-tier counters.
type Stats struct {
	HotHits    int64 `json:"hot_hits"`
	HotMisses  int64 `json:"hot_misses"`
	WarmHits   int64 `json:"warm_hits"`
	WarmMisses int64 `json:"warm_misses"`
	WarmErrors int64 `json:"warm_errors"`
}

type hotEntry struct {
	value     []byte
	expiresAt time.Time
}

// TieredCache layers a hot TTL map over Redis.
type TieredCache struct {
	warm    warmTier
	hotTTL  time.Duration
	warmTTL time.Duration
	prefix  string
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	hot map[string]hotEntry

	hotHits    atomic.Int64
	hotMisses  atomic.Int64
	warmHits   atomic.Int64
	warmMisses atomic.Int64
	warmErrors atomic.Int64
}

// NewTieredCache builds a cache. A nil client runs hot-tier-only, which
// is how single-process deployments and tests operate.
func NewTieredCache(client *redis.Client, cfg Config, logger *slog.Logger) *TieredCache {
	var warm warmTier
	if client != nil {
		warm = client
	}
	return newTiered(warm, cfg, logger)
}

func newTiered(warm warmTier, cfg Config, logger *slog.Logger) *TieredCache {
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = DefaultHotTTL
	}
	if cfg.WarmTTL <= 0 {
		cfg.WarmTTL = DefaultWarmTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{
		warm:    warm,
		hotTTL:  cfg.HotTTL,
		warmTTL: cfg.WarmTTL,
		prefix:  cfg.Prefix,
		logger:  logger,
		now:     time.Now,
		hot:     make(map[string]hotEntry),
	}
}

// Get reads through the tiers, promoting warm hits into the hot tier.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.getHot(key); ok {
		c.hotHits.Add(1)
		return v, true
	}
	c.hotMisses.Add(1)

	if c.warm == nil {
		return nil, false
	}
	raw, err := c.warm.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		c.warmMisses.Add(1)
		return nil, false
	}
	if err != nil {
		c.warmErrors.Add(1)
		c.logger.WarnContext(ctx, "warm tier read failed, serving hot tier only",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	c.warmHits.Add(1)
	c.setHot(key, raw)
	return raw, true
}

// Set writes through both tiers.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte) {
	c.setHot(key, value)
	if c.warm == nil {
		return
	}
	if err := c.warm.Set(ctx, c.prefix+key, value, c.warmTTL).Err(); err != nil {
		c.warmErrors.Add(1)
		c.logger.WarnContext(ctx, "warm tier write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// GetJSON reads key and unmarshals it into dst.
func (c *TieredCache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.WarnContext(ctx, "cached value is not valid JSON, evicting",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals value and writes it through both tiers.
func (c *TieredCache) SetJSON(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WarnContext(ctx, "cache marshal failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	c.Set(ctx, key, raw)
}

// Invalidate removes key from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.hot, key)
	c.mu.Unlock()

	if c.warm == nil {
		return
	}
	if err := c.warm.Del(ctx, c.prefix+key).Err(); err != nil {
		c.warmErrors.Add(1)
		c.logger.WarnContext(ctx, "warm tier delete failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// InvalidatePrefix removes every key under prefix from both tiers. The
// warm tier is walked with SCAN so large keyspaces don't block Redis.
func (c *TieredCache) InvalidatePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	for key := range c.hot {
		if strings.HasPrefix(key, prefix) {
			delete(c.hot, key)
		}
	}
	c.mu.Unlock()

	if c.warm == nil {
		return
	}
	match := c.prefix + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := c.warm.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			c.warmErrors.Add(1)
			c.logger.WarnContext(ctx, "warm tier scan failed",
				slog.String("match", match),
				slog.String("error", err.Error()),
			)
			return
		}
		if len(keys) > 0 {
			if err := c.warm.Del(ctx, keys...).Err(); err != nil {
				c.warmErrors.Add(1)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats returns per-tier counters.
func (c *TieredCache) Stats() Stats {
	return Stats{
		HotHits:    c.hotHits.Load(),
		HotMisses:  c.hotMisses.Load(),
		WarmHits:   c.warmHits.Load(),
		WarmMisses: c.warmMisses.Load(),
		WarmErrors: c.warmErrors.Load(),
	}
}

func (c *TieredCache) getHot(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.hot[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *TieredCache) setHot(key string, value []byte) {
	c.mu.Lock()
	c.hot[key] = hotEntry{value: value, expiresAt: c.now().Add(c.hotTTL)}
	c.mu.Unlock()
}
