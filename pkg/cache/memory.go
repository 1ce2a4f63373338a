package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// memoryEntry carries the value plus the bookkeeping needed for TTL
// expiry and LRU eviction.
type memoryEntry struct {
	value        interface{}
	timestamp    time.Time
	ttl          time.Duration
	accessCount  int64
	lastAccessed time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.timestamp) > e.ttl
}

// MemoryCache is the in-process Cache implementation. It is safe for
// concurrent use; all operations on the same key are serialized by a
// single mutex.
type MemoryCache struct {
	name    string
	opts    Options
	logger  *zap.Logger
	metrics *counters

	mu      sync.Mutex
	entries map[string]*memoryEntry

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewMemoryCache creates an in-memory cache. When opts.CleanupInterval is
// positive a background sweeper removes expired entries until Destroy.
func NewMemoryCache(name string, opts Options, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		name:        name,
		opts:        opts,
		logger:      logger,
		metrics:     newCounters(name),
		entries:     make(map[string]*memoryEntry),
		stopCleanup: make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		go c.cleanupLoop()
	}

	return c
}

func (c *MemoryCache) Name() string { return c.name }

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.metrics.miss()
		return false, nil
	}

	now := time.Now()
	if entry.expired(now) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.metrics.miss()
		return false, nil
	}

	entry.accessCount++
	entry.lastAccessed = now
	value := entry.value
	c.mu.Unlock()

	c.metrics.hit()

	if dest == nil {
		return true, nil
	}
	if err := decodeInto(value, dest); err != nil {
		return false, fmt.Errorf("decode cached value for %q: %w", key, err)
	}
	return true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}

	now := time.Now()

	c.mu.Lock()
	_, exists := c.entries[key]
	if !exists && c.opts.MaxSize > 0 && len(c.entries) >= c.opts.MaxSize {
		c.evictLRULocked()
	}
	c.entries[key] = &memoryEntry{
		value:        value,
		timestamp:    now,
		ttl:          ttl,
		lastAccessed: now,
	}
	c.mu.Unlock()

	c.metrics.set()
	return nil
}

// evictLRULocked removes the entry with the oldest lastAccessed time.
// Caller holds c.mu.
func (c *MemoryCache) evictLRULocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for key, entry := range c.entries {
		if !found || entry.lastAccessed.Before(oldest) {
			victim = key
			oldest = entry.lastAccessed
			found = true
		}
	}
	if found {
		delete(c.entries, victim)
		c.metrics.evict()
		c.logger.Debug("evicted LRU cache entry",
			zap.String("cache", c.name),
			zap.String("key", victim),
		)
	}
}

func (c *MemoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		c.metrics.delete()
	}
	return ok, nil
}

func (c *MemoryCache) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if entry.expired(time.Now()) {
		delete(c.entries, key)
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*memoryEntry)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Size(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

func (c *MemoryCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *MemoryCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if entry.ttl <= 0 {
		return 0, true, nil
	}
	remaining := entry.ttl - time.Since(entry.timestamp)
	if remaining <= 0 {
		delete(c.entries, key)
		return 0, false, nil
	}
	return remaining, true, nil
}

func (c *MemoryCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		return false, nil
	}
	entry.timestamp = time.Now()
	entry.ttl = ttl
	return true, nil
}

func (c *MemoryCache) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cleaned up expired cache entries",
			zap.String("cache", c.name),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

func (c *MemoryCache) Stats(ctx context.Context) (Stats, error) {
	size, _ := c.Size(ctx)
	return Stats{
		Name:    c.name,
		Size:    size,
		MaxSize: c.opts.MaxSize,
		Metrics: c.metrics.snapshot(size),
	}, nil
}

func (c *MemoryCache) Metrics() Metrics {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	return c.metrics.snapshot(size)
}

func (c *MemoryCache) HitRatio() float64 { return c.metrics.hitRatio() }

func (c *MemoryCache) ResetMetrics() { c.metrics.reset() }

func (c *MemoryCache) Destroy() error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	c.mu.Lock()
	c.entries = make(map[string]*memoryEntry)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.CleanupExpired(context.Background())
		}
	}
}

// decodeInto copies an arbitrary stored value into dest through JSON, so
// memory and Redis backends return identically shaped results.
func decodeInto(value, dest interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
