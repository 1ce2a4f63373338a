package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisCacheSetGetRoundTrip(t *testing.T) {
	_, client := setupRedis(t)
	c := NewRedisCache("products", client, "novita_api", Options{DefaultTTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	type sku struct {
		ID        string  `json:"id"`
		SpotPrice float64 `json:"spot_price"`
	}

	require.NoError(t, c.Set(ctx, "optimal:RTX 4090 24GB:CN-HK-01", sku{ID: "prod_123", SpotPrice: 0.5}, 0))

	var got sku
	found, err := c.Get(ctx, "optimal:RTX 4090 24GB:CN-HK-01", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "prod_123", got.ID)
	assert.Equal(t, 0.5, got.SpotPrice)
}

func TestRedisCacheKeyNamespace(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewRedisCache("templates", client, "novita_api", Options{DefaultTTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "107672", "img", 0))
	assert.True(t, mr.Exists("novita_api:cache:templates:107672"))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"107672"}, keys)
}

func TestRedisCacheNativeExpiry(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewRedisCache("t", client, "novita_api", Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))

	// Native Redis expiry and the envelope carry the same lifetime.
	ttl := mr.TTL("novita_api:cache:t:k")
	assert.Equal(t, time.Second, ttl)

	mr.FastForward(2 * time.Second)

	found, err := c.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCacheEnvelopeExpiry(t *testing.T) {
	_, client := setupRedis(t)
	c := NewRedisCache("t", client, "novita_api", Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	// Even if the native expiry has not fired yet, the envelope timestamp
	// is authoritative.
	found, err := c.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCacheLRUEviction(t *testing.T) {
	_, client := setupRedis(t)
	c := NewRedisCache("lru", client, "novita_api", Options{MaxSize: 2, DefaultTTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", 2, 0))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, c.Set(ctx, "c", 3, 0))

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	hasA, err := c.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, hasA, "oldest entry is evicted")

	assert.Equal(t, int64(1), c.Metrics().Evictions)
}

func TestRedisCacheDeleteAndClear(t *testing.T) {
	_, client := setupRedis(t)
	c := NewRedisCache("t", client, "novita_api", Options{DefaultTTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, 0))
	require.NoError(t, c.Set(ctx, "b", 2, 0))

	removed, err := c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, c.Clear(ctx))
	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestFallbackCacheDegradesToMemory(t *testing.T) {
	mr, client := setupRedis(t)
	logger := zap.NewNop()

	primary := NewRedisCache("fb", client, "novita_api", Options{DefaultTTL: time.Minute}, logger)
	memory := NewMemoryCache("fb:fallback", Options{DefaultTTL: time.Minute}, logger)
	c := NewFallbackCache(primary, memory, logger)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))

	// Kill Redis; operations must transparently use memory.
	mr.Close()

	require.NoError(t, c.Set(ctx, "k2", "v2", 0))

	var got string
	found, err := c.Get(ctx, "k2", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", got)
}

func TestManagerReturnsSameInstance(t *testing.T) {
	_, client := setupRedis(t)
	m := NewManager(client, "novita_api", zap.NewNop())

	a := m.GetCache("instances", BackendMemory, Options{MaxSize: 10})
	b := m.GetCache("instances", BackendRedis, Options{MaxSize: 99})
	assert.Same(t, a, b, "repeated GetCache for a name returns the first instance")
}

func TestManagerStatsAndDestroy(t *testing.T) {
	_, client := setupRedis(t)
	m := NewManager(client, "novita_api", zap.NewNop())
	ctx := context.Background()

	c1 := m.GetCache("one", BackendMemory, Options{DefaultTTL: time.Minute})
	m.GetCache("two", BackendRedis, Options{DefaultTTL: time.Minute})

	require.NoError(t, c1.Set(ctx, "k", "v", 0))

	stats := m.GetAllStats(ctx)
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats["one"].Size)
	assert.Equal(t, 0, stats["two"].Size)

	m.DestroyAll()
	assert.Empty(t, m.GetAllMetrics())
}

func TestManagerWithoutRedisFallsBackToMemory(t *testing.T) {
	m := NewManager(nil, "novita_api", zap.NewNop())
	c := m.GetCache("x", BackendRedis, Options{DefaultTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	found, err := c.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.True(t, found)
}
