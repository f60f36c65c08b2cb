package domain

import (
	"context"
	"time"
)

// Cache defines the interface for byte caching operations.
// Supports local LRU or Redis backends, optionally layered two-phase.
// All methods require a scope for key isolation (rule entries, throttle
// counters, and so on never collide).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found or expired.
	Get(ctx context.Context, scope string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, scope string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, scope string, key string) error

	// Flush removes every value in a scope. Flushing an empty scope is
	// a no-op.
	Flush(ctx context.Context, scope string) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used for per-account reply throttling.
	IncrementCounter(ctx context.Context, scope string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache scopes used by the core.
const (
	ScopeRules    = "rules"
	ScopeThrottle = "throttle"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `env:"MAGPIE_CACHE_TYPE" envDefault:"memory"`

	// Local LRU cache settings
	LocalMaxSize int           `env:"MAGPIE_CACHE_MAX_SIZE" envDefault:"10000"`
	LocalTTL     time.Duration `env:"MAGPIE_CACHE_LOCAL_TTL" envDefault:"5m"`

	// Redis settings
	RedisAddr     string `env:"MAGPIE_REDIS_ADDR"`
	RedisPassword string `env:"MAGPIE_REDIS_PASSWORD"`
	RedisDB       int    `env:"MAGPIE_REDIS_DB"`

	// Two-phase settings: if true, check local first, then Redis
	EnableTwoPhase bool `env:"MAGPIE_CACHE_TWO_PHASE"`
}
