package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// redisEnvelope is the entry format stored in Redis. The envelope TTL
// mirrors the native key expiry so both enforce the same lifetime.
type redisEnvelope struct {
	Value        json.RawMessage `json:"value"`
	Timestamp    time.Time       `json:"timestamp"`
	TTLMs        int64           `json:"ttl_ms"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
}

func (e *redisEnvelope) expired(now time.Time) bool {
	return e.TTLMs > 0 && now.Sub(e.Timestamp) > time.Duration(e.TTLMs)*time.Millisecond
}

// RedisCache implements Cache on a shared Redis connection. Entries live
// under "<prefix>:cache:<name>:<key>".
type RedisCache struct {
	name    string
	prefix  string
	client  *redis.Client
	opts    Options
	logger  *zap.Logger
	metrics *counters
}

// NewRedisCache creates a Redis-backed cache sharing the given client.
func NewRedisCache(name string, client *redis.Client, keyPrefix string, opts Options, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		name:    name,
		prefix:  keyPrefix,
		client:  client,
		opts:    opts,
		logger:  logger,
		metrics: newCounters(name),
	}
}

func (c *RedisCache) Name() string { return c.name }

func (c *RedisCache) key(k string) string {
	return fmt.Sprintf("%s:cache:%s:%s", c.prefix, c.name, k)
}

func (c *RedisCache) namespace() string {
	return fmt.Sprintf("%s:cache:%s:", c.prefix, c.name)
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		c.metrics.miss()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false, fmt.Errorf("decode cache envelope for %q: %w", key, err)
	}

	now := time.Now()
	if env.expired(now) {
		c.client.Del(ctx, c.key(key))
		c.metrics.miss()
		return false, nil
	}

	// Bump access bookkeeping, preserving the remaining native expiry.
	env.AccessCount++
	env.LastAccessed = now
	if updated, err := json.Marshal(&env); err == nil {
		c.client.Set(ctx, c.key(key), updated, redis.KeepTTL)
	}

	c.metrics.hit()

	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(env.Value, dest); err != nil {
		return false, fmt.Errorf("decode cached value for %q: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}

	rawValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for %q: %w", key, err)
	}

	exists, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis exists %q: %w", key, err)
	}
	if exists == 0 && c.opts.MaxSize > 0 {
		size, err := c.Size(ctx)
		if err != nil {
			return err
		}
		if size >= c.opts.MaxSize {
			if err := c.evictLRU(ctx); err != nil {
				c.logger.Warn("LRU eviction failed",
					zap.String("cache", c.name),
					zap.Error(err),
				)
			}
		}
	}

	now := time.Now()
	env := redisEnvelope{
		Value:        rawValue,
		Timestamp:    now,
		TTLMs:        ttl.Milliseconds(),
		LastAccessed: now,
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode cache envelope for %q: %w", key, err)
	}

	if err := c.client.Set(ctx, c.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	c.metrics.set()
	return nil
}

// evictLRU walks the namespace and deletes the entry with the oldest
// lastAccessed timestamp. Bounded by MaxSize, so the scan stays small.
func (c *RedisCache) evictLRU(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	var (
		victim string
		oldest time.Time
		found  bool
	)
	for _, fullKey := range keys {
		raw, err := c.client.Get(ctx, fullKey).Result()
		if err != nil {
			continue
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if !found || env.LastAccessed.Before(oldest) {
			victim = fullKey
			oldest = env.LastAccessed
			found = true
		}
	}
	if !found {
		return nil
	}

	if err := c.client.Del(ctx, victim).Err(); err != nil {
		return err
	}
	c.metrics.evict()
	c.logger.Debug("evicted LRU cache entry",
		zap.String("cache", c.name),
		zap.String("key", strings.TrimPrefix(victim, c.namespace())),
	)
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := c.client.Del(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %q: %w", key, err)
	}
	if removed > 0 {
		c.metrics.delete()
		return true, nil
	}
	return false, nil
}

func (c *RedisCache) Has(ctx context.Context, key string) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false, nil
	}
	if env.expired(time.Now()) {
		c.client.Del(ctx, c.key(key))
		return false, nil
	}
	return true, nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Size(ctx context.Context) (int, error) {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *RedisCache) Keys(ctx context.Context) ([]string, error) {
	fullKeys, err := c.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fullKeys))
	for _, fullKey := range fullKeys {
		keys = append(keys, strings.TrimPrefix(fullKey, c.namespace()))
	}
	return keys, nil
}

func (c *RedisCache) scanKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.namespace()+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := c.client.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl %q: %w", key, err)
	}
	if ttl < 0 {
		// go-redis reports -1 for keys without expiry and -2 for missing keys.
		if ttl == time.Duration(-1) {
			return 0, true, nil
		}
		return 0, false, nil
	}
	return ttl, true, nil
}

func (c *RedisCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return false, fmt.Errorf("decode cache envelope for %q: %w", key, err)
	}
	env.Timestamp = time.Now()
	env.TTLMs = ttl.Milliseconds()

	payload, err := json.Marshal(&env)
	if err != nil {
		return false, err
	}
	if err := c.client.Set(ctx, c.key(key), payload, ttl).Err(); err != nil {
		return false, fmt.Errorf("redis set %q: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) CleanupExpired(ctx context.Context) (int, error) {
	// Redis drops expired keys natively; sweep envelopes whose logical TTL
	// lapsed ahead of the native expiry.
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, fullKey := range keys {
		raw, err := c.client.Get(ctx, fullKey).Result()
		if err != nil {
			continue
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if env.expired(now) {
			if c.client.Del(ctx, fullKey).Err() == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	size, err := c.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Name:    c.name,
		Size:    size,
		MaxSize: c.opts.MaxSize,
		Metrics: c.metrics.snapshot(size),
	}, nil
}

func (c *RedisCache) Metrics() Metrics {
	size, err := c.Size(context.Background())
	if err != nil {
		size = 0
	}
	return c.metrics.snapshot(size)
}

func (c *RedisCache) HitRatio() float64 { return c.metrics.hitRatio() }

func (c *RedisCache) ResetMetrics() { c.metrics.reset() }

func (c *RedisCache) Destroy() error {
	// The Redis client is shared and owned by the caller.
	return nil
}
