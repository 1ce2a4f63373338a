package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Backend selects the storage for a named cache.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendFallback Backend = "fallback"
)

// Manager owns the process's named caches. Each name maps to exactly one
// cache instance; repeated GetCache calls return the same instance.
type Manager struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	mu     sync.Mutex
	caches map[string]Cache
}

// NewManager creates a cache manager. client may be nil when Redis is not
// configured; redis and fallback backends then degrade to memory.
func NewManager(client *redis.Client, keyPrefix string, logger *zap.Logger) *Manager {
	return &Manager{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
		caches:    make(map[string]Cache),
	}
}

// GetCache returns the named cache, creating it on first use.
func (m *Manager) GetCache(name string, backend Backend, opts Options) Cache {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[name]; ok {
		return c
	}

	c := m.build(name, backend, opts)
	m.caches[name] = c

	m.logger.Info("created cache",
		zap.String("cache", name),
		zap.String("backend", string(backend)),
		zap.Int("max_size", opts.MaxSize),
		zap.Duration("default_ttl", opts.DefaultTTL),
	)
	return c
}

func (m *Manager) build(name string, backend Backend, opts Options) Cache {
	if m.client == nil && backend != BackendMemory {
		m.logger.Warn("redis not configured, using memory cache",
			zap.String("cache", name),
		)
		backend = BackendMemory
	}

	switch backend {
	case BackendRedis:
		return NewRedisCache(name, m.client, m.keyPrefix, opts, m.logger)
	case BackendFallback:
		primary := NewRedisCache(name, m.client, m.keyPrefix, opts, m.logger)
		fallback := NewMemoryCache(name+":fallback", opts, m.logger)
		return NewFallbackCache(primary, fallback, m.logger)
	default:
		return NewMemoryCache(name, opts, m.logger)
	}
}

// GetAllStats returns a snapshot of every managed cache.
func (m *Manager) GetAllStats(ctx context.Context) map[string]Stats {
	m.mu.Lock()
	caches := make(map[string]Cache, len(m.caches))
	for name, c := range m.caches {
		caches[name] = c
	}
	m.mu.Unlock()

	stats := make(map[string]Stats, len(caches))
	for name, c := range caches {
		s, err := c.Stats(ctx)
		if err != nil {
			m.logger.Warn("failed to collect cache stats",
				zap.String("cache", name),
				zap.Error(err),
			)
			continue
		}
		stats[name] = s
	}
	return stats
}

// GetAllMetrics returns cumulative counters for every managed cache.
func (m *Manager) GetAllMetrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Metrics, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.Metrics()
	}
	return out
}

// ClearAll empties every managed cache.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, c := range m.caches {
		if err := c.Clear(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear cache %q: %w", name, err)
		}
	}
	return firstErr
}

// CleanupAllExpired sweeps expired entries from every managed cache.
func (m *Manager) CleanupAllExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, c := range m.caches {
		removed, err := c.CleanupExpired(ctx)
		if err != nil {
			continue
		}
		total += removed
	}
	return total
}

// DestroyAll releases every managed cache. The manager is unusable after.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, c := range m.caches {
		if err := c.Destroy(); err != nil {
			m.logger.Warn("failed to destroy cache",
				zap.String("cache", name),
				zap.Error(err),
			)
		}
	}
	m.caches = make(map[string]Cache)
}
