package cache

import (
	"context"
	"time"
)

// Cache is the backing store for memoized completion responses.
//
// Implementations degrade gracefully: a broken backend must never make the
// gateway fail a request that the upstream could still serve.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching the glob pattern and returns
	// how many were removed. Used by the administrative invalidation endpoint.
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
}
