package domain

import (
	"context"
	"time"
)

// Cache stores short-lived, app-scoped values such as resolved fraud
// policies. Local LRU (Community) or Redis, optionally fronted by the LRU (Pro).
type Cache interface {
	// Get retrieves a value. A miss returns nil, nil.
	Get(ctx context.Context, appID string, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, appID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, appID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase"` // If true, check local first, then Redis

	// PolicyTTL bounds how long a resolved fraud policy is reused.
	PolicyTTL time.Duration `koanf:"policy_ttl"`
}
