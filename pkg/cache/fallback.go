package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FallbackCache fronts a Redis-backed cache with an in-memory stand-in.
// Each operation tries the primary first; on error it is logged and the
// operation is served from memory so cache trouble never fails a caller.
type FallbackCache struct {
	primary  Cache
	fallback Cache
	logger   *zap.Logger
}

// NewFallbackCache wraps primary with a memory fallback.
func NewFallbackCache(primary, fallback Cache, logger *zap.Logger) *FallbackCache {
	return &FallbackCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *FallbackCache) Name() string { return c.primary.Name() }

func (c *FallbackCache) degraded(op string, err error) {
	c.logger.Warn("cache backend degraded to memory",
		zap.String("cache", c.primary.Name()),
		zap.String("operation", op),
		zap.Error(err),
	)
}

func (c *FallbackCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	found, err := c.primary.Get(ctx, key, dest)
	if err == nil {
		return found, nil
	}
	c.degraded("get", err)
	return c.fallback.Get(ctx, key, dest)
}

func (c *FallbackCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.primary.Set(ctx, key, value, ttl); err != nil {
		c.degraded("set", err)
		return c.fallback.Set(ctx, key, value, ttl)
	}
	return nil
}

func (c *FallbackCache) Delete(ctx context.Context, key string) (bool, error) {
	// Remove from both so a recovered primary cannot resurrect the key.
	c.fallback.Delete(ctx, key)
	ok, err := c.primary.Delete(ctx, key)
	if err != nil {
		c.degraded("delete", err)
		return false, nil
	}
	return ok, nil
}

func (c *FallbackCache) Has(ctx context.Context, key string) (bool, error) {
	ok, err := c.primary.Has(ctx, key)
	if err == nil {
		return ok, nil
	}
	c.degraded("has", err)
	return c.fallback.Has(ctx, key)
}

func (c *FallbackCache) Clear(ctx context.Context) error {
	c.fallback.Clear(ctx)
	if err := c.primary.Clear(ctx); err != nil {
		c.degraded("clear", err)
	}
	return nil
}

func (c *FallbackCache) Size(ctx context.Context) (int, error) {
	size, err := c.primary.Size(ctx)
	if err == nil {
		return size, nil
	}
	c.degraded("size", err)
	return c.fallback.Size(ctx)
}

func (c *FallbackCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.primary.Keys(ctx)
	if err == nil {
		return keys, nil
	}
	c.degraded("keys", err)
	return c.fallback.Keys(ctx)
}

func (c *FallbackCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, ok, err := c.primary.TTL(ctx, key)
	if err == nil {
		return ttl, ok, nil
	}
	c.degraded("ttl", err)
	return c.fallback.TTL(ctx, key)
}

func (c *FallbackCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.primary.SetTTL(ctx, key, ttl)
	if err == nil {
		return ok, nil
	}
	c.degraded("set_ttl", err)
	return c.fallback.SetTTL(ctx, key, ttl)
}

func (c *FallbackCache) CleanupExpired(ctx context.Context) (int, error) {
	removed, _ := c.fallback.CleanupExpired(ctx)
	primaryRemoved, err := c.primary.CleanupExpired(ctx)
	if err != nil {
		c.degraded("cleanup_expired", err)
		return removed, nil
	}
	return removed + primaryRemoved, nil
}

func (c *FallbackCache) Stats(ctx context.Context) (Stats, error) {
	stats, err := c.primary.Stats(ctx)
	if err == nil {
		return stats, nil
	}
	c.degraded("stats", err)
	return c.fallback.Stats(ctx)
}

func (c *FallbackCache) Metrics() Metrics { return c.primary.Metrics() }

func (c *FallbackCache) HitRatio() float64 { return c.primary.HitRatio() }

func (c *FallbackCache) ResetMetrics() {
	c.primary.ResetMetrics()
	c.fallback.ResetMetrics()
}

func (c *FallbackCache) Destroy() error {
	c.fallback.Destroy()
	return c.primary.Destroy()
}
