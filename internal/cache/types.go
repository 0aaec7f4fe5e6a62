package cache

import (
	"context"
	"time"
)

// Cache is the shared key-value capability queried before the loader.
// Implementations must be safe for concurrent use; errors are returned
// to callers rather than treated as misses.
type Cache interface {
	// Get retrieves a cached value by key
	// Returns the data and true if found, nil and false otherwise
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value for ttl; a non-positive ttl stores nothing
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the cache
	Close()
}
