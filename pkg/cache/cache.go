package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Cache is a unified key/value store with per-entry TTL, LRU eviction and
// hit/miss accounting. Implementations: MemoryCache, RedisCache, and
// FallbackCache which degrades from Redis to memory per operation.
type Cache interface {
	// Get unmarshals the cached value for key into dest and reports whether
	// the key was present and fresh. Expired entries are removed on read.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set stores value under key. A zero ttl uses the cache default.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Delete(ctx context.Context, key string) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)

	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CleanupExpired removes expired entries and returns how many were dropped.
	CleanupExpired(ctx context.Context) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Metrics() Metrics
	HitRatio() float64
	ResetMetrics()

	// Destroy releases background resources. The cache must not be used after.
	Destroy() error

	Name() string
}

// Options configures a cache instance.
type Options struct {
	// MaxSize bounds the number of entries; 0 means unbounded.
	MaxSize int

	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration

	// CleanupInterval starts a background sweep of expired entries when > 0.
	CleanupInterval time.Duration
}

// Stats is a point-in-time snapshot of a cache.
type Stats struct {
	Name    string  `json:"name"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Metrics Metrics `json:"metrics"`
}

// Metrics holds cumulative counters for a cache.
type Metrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	TotalSize int64 `json:"total_size"`
}

// counters tracks cache metrics with atomic updates and mirrors hits,
// misses and evictions into Prometheus.
type counters struct {
	name      string
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

func newCounters(name string) *counters {
	return &counters{name: name}
}

func (c *counters) hit() {
	c.hits.Add(1)
	metrics.CacheHits.WithLabelValues(c.name).Inc()
}

func (c *counters) miss() {
	c.misses.Add(1)
	metrics.CacheMisses.WithLabelValues(c.name).Inc()
}

func (c *counters) set()    { c.sets.Add(1) }
func (c *counters) delete() { c.deletes.Add(1) }

func (c *counters) evict() {
	c.evictions.Add(1)
	metrics.CacheEvictions.WithLabelValues(c.name).Inc()
}

func (c *counters) snapshot(size int) Metrics {
	return Metrics{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		TotalSize: int64(size),
	}
}

func (c *counters) hitRatio() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.evictions.Store(0)
}
