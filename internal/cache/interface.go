package cache

import (
	"time"
)

// Cache defines the interface for caching operations
type Cache[V any] interface {
	// Get retrieves an item from cache
	Get(key string) (V, bool)

	// Set stores an item in cache
	Set(key string, value V)

	// Clear removes all items with a specific prefix
	Clear(prefix string)

	// Close properly shuts down the cache
	Close() error
}

// Config defines configuration options for cache implementations
type Config struct {
	MaxSize    int           `json:"max_size"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// ShortLivedConfig suits request-coalescing caches such as the auth status
// endpoint: a handful of keys that must never be served stale for long.
func ShortLivedConfig(ttl time.Duration) Config {
	return Config{
		MaxSize:    16,
		DefaultTTL: ttl,
	}
}
