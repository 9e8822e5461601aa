package memory

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/tandem-api/internal/cache"
)

// CacheBackend implements cache.Backend in process memory. Several cache
// layers sharing one CacheBackend behave like processes sharing Redis.
type CacheBackend struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

var _ cache.Backend = (*CacheBackend)(nil)

// NewCacheBackend creates an empty backend.
func NewCacheBackend() *CacheBackend {
	return &CacheBackend{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get implements cache.Backend.Get
func (b *CacheBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	if b.now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, cache.ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set implements cache.Backend.Set
func (b *CacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: b.now().Add(ttl),
	}
	return nil
}

// Delete implements cache.Backend.Delete
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}
