package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	appID := "app-001"

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, appID, "key1", []byte("value1"), time.Minute))

		val, err := cache.Get(ctx, appID, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, appID, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, appID, "key2", []byte("value2"), time.Minute)

		require.NoError(t, cache.Delete(ctx, appID, "key2"))

		val, _ := cache.Get(ctx, appID, "key2")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		clocked := NewLRUCache(10)
		clocked.now = func() time.Time { return now }

		_ = clocked.Set(ctx, appID, "expiring", []byte("temp"), time.Minute)

		val, _ := clocked.Get(ctx, appID, "expiring")
		assert.Equal(t, "temp", string(val))

		now = now.Add(time.Minute)
		val, _ = clocked.Get(ctx, appID, "expiring")
		assert.Nil(t, val, "entry should expire once its TTL has elapsed")

		size, _ := clocked.Stats()
		assert.Zero(t, size, "expired entry should be evicted on read")
	})

	t.Run("AppIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "app-a", "shared", []byte("a"), time.Minute)
		_ = cache.Set(ctx, "app-b", "shared", []byte("b"), time.Minute)

		valA, _ := cache.Get(ctx, "app-a", "shared")
		valB, _ := cache.Get(ctx, "app-b", "shared")
		assert.Equal(t, "a", string(valA))
		assert.Equal(t, "b", string(valB))
	})

	t.Run("MissingScope", func(t *testing.T) {
		_, err := cache.Get(ctx, "", "key")
		assert.ErrorIs(t, err, ErrMissingScope)
		assert.ErrorIs(t, cache.Set(ctx, "", "key", nil, time.Minute), ErrMissingScope)
		assert.ErrorIs(t, cache.Delete(ctx, "", "key"), ErrMissingScope)
	})
}

func TestLRUEviction(t *testing.T) {
	cache := NewLRUCache(3)
	ctx := context.Background()
	appID := "app-001"

	for i := 0; i < 3; i++ {
		_ = cache.Set(ctx, appID, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}

	// Touch k0 so k1 becomes the least recently used.
	_, _ = cache.Get(ctx, appID, "k0")
	_ = cache.Set(ctx, appID, "k3", []byte("v"), time.Minute)

	size, capacity := cache.Stats()
	assert.Equal(t, 3, size)
	assert.Equal(t, 3, capacity)

	val, _ := cache.Get(ctx, appID, "k1")
	assert.Nil(t, val, "least recently used entry should be evicted")

	val, _ = cache.Get(ctx, appID, "k0")
	assert.NotNil(t, val)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Ping(ctx))

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "app-001", "policy", []byte(`{"rateLimitMax":3}`), time.Minute))

		val, err := cache.Get(ctx, "app-001", "policy")
		require.NoError(t, err)
		assert.JSONEq(t, `{"rateLimitMax":3}`, string(val))

		assert.True(t, mr.Exists("refguard:app-001:policy"))
	})

	t.Run("Miss", func(t *testing.T) {
		val, err := cache.Get(ctx, "app-001", "missing")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("TTL", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "app-001", "short", []byte("x"), time.Second))

		mr.FastForward(2 * time.Second)

		val, err := cache.Get(ctx, "app-001", "short")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "app-001", "gone", []byte("x"), time.Minute)
		require.NoError(t, cache.Delete(ctx, "app-001", "gone"))
		assert.False(t, mr.Exists("refguard:app-001:gone"))
	})

	t.Run("MissingScope", func(t *testing.T) {
		_, err := cache.Get(ctx, "", "policy")
		assert.ErrorIs(t, err, ErrMissingScope)
	})
}

func TestRedisCacheUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(addr, "", 0)
	assert.Error(t, err)
}

func TestTwoPhaseCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cache, err := NewTwoPhaseCache(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      mr.Addr(),
		EnableTwoPhase: true,
		LocalMaxSize:   10,
		LocalTTL:       time.Minute,
	})
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Ping(ctx))

	t.Run("WritesBothLevels", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "app-001", "k", []byte("v"), time.Hour))

		assert.True(t, mr.Exists("refguard:app-001:k"))
		local, _ := cache.local.Get(ctx, "app-001", "k")
		assert.Equal(t, "v", string(local))
	})

	t.Run("PopulatesL1FromL2", func(t *testing.T) {
		require.NoError(t, mr.Set("refguard:app-001:remote-only", "r"))

		val, err := cache.Get(ctx, "app-001", "remote-only")
		require.NoError(t, err)
		assert.Equal(t, "r", string(val))

		local, _ := cache.local.Get(ctx, "app-001", "remote-only")
		assert.Equal(t, "r", string(local))
	})

	t.Run("CountsAnsweringTier", func(t *testing.T) {
		l1 := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("l1"))
		miss := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss"))

		_, err := cache.Get(ctx, "app-001", "remote-only")
		require.NoError(t, err)
		_, err = cache.Get(ctx, "app-001", "absent")
		require.NoError(t, err)

		assert.Equal(t, l1+1, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("l1")))
		assert.Equal(t, miss+1, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss")))
	})

	t.Run("DeleteBothLevels", func(t *testing.T) {
		require.NoError(t, cache.Delete(ctx, "app-001", "k"))

		assert.False(t, mr.Exists("refguard:app-001:k"))
		val, err := cache.Get(ctx, "app-001", "k")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	size, capacity := cache.Stats()
	assert.Equal(t, 1, size)
	assert.Equal(t, 10, capacity)
}

func TestNewCache(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
		require.NoError(t, err)
		assert.IsType(t, &LRUCache{}, c)
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		require.NoError(t, err)
		defer c.Close()
		assert.IsType(t, &RedisCache{}, c)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		assert.Error(t, err)
	})
}
