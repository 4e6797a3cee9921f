package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/metrics"
)

// New creates a new cache based on configuration.
// "memory" yields an LRU cache; "redis" yields Redis, fronted by an LRU
// when two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching and persistence
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 30 * time.Second
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, appID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, appID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		metrics.CacheLookupsTotal.WithLabelValues("l1").Inc()
		return val, nil
	}

	val, err = c.remote.Get(ctx, appID, key)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if val == nil {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}

	metrics.CacheLookupsTotal.WithLabelValues("l2").Inc()
	_ = c.local.Set(ctx, appID, key, val, c.l1TTL)
	return val, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, appID string, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, appID, key, value, l1TTL); err != nil {
		return err
	}

	return c.remote.Set(ctx, appID, key, value, ttl)
}

// Delete removes from both L1 and L2. Other nodes keep their L1 copy
// until its TTL runs out.
func (c *TwoPhaseCache) Delete(ctx context.Context, appID string, key string) error {
	if err := c.local.Delete(ctx, appID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, appID, key)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
