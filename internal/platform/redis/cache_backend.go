package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/tandem-api/internal/cache"
	"github.com/phrazzld/tandem-api/internal/guard"
	goredis "github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "tandem:cache:"

// CacheBackend implements cache.Backend on Redis strings.
type CacheBackend struct {
	client goredis.UniversalClient
}

var _ cache.Backend = (*CacheBackend)(nil)

// NewCacheBackend creates a backend on an existing client. The caller owns
// the client.
func NewCacheBackend(client goredis.UniversalClient) *CacheBackend {
	return &CacheBackend{client: client}
}

func (b *CacheBackend) key(k string) string {
	return cacheKeyPrefix + k
}

// Get returns cache.ErrMiss when the key is absent.
func (b *CacheBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, cache.ErrMiss
		}
		return nil, fmt.Errorf("%w: failed to get cache entry: %w", guard.ErrConnection, err)
	}
	return data, nil
}

// Set stores value with ttl.
func (b *CacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to set cache entry: %w", guard.ErrConnection, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete cache entry: %w", guard.ErrConnection, err)
	}
	return nil
}
