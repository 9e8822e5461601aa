package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

// Layer is a two-tier write-through cache. The local tier lives in this
// process and gives the writer read-after-write consistency; the optional
// shared Backend is best effort and converges through TTL and invalidation.
type Layer struct {
	local      *expirable.LRU[string, entry]
	backend    Backend
	defaultTTL time.Duration
	now        func() time.Time

	putMu sync.Mutex
	group singleflight.Group

	metrics metrics.Recorder
	logger  *slog.Logger
}

// Options configures a Layer.
type Options struct {
	// Backend is the shared tier; nil keeps the cache process-local.
	Backend       Backend
	LocalCapacity int
	TTL           time.Duration
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// New creates a Layer.
func New(opts Options) *Layer {
	if opts.LocalCapacity <= 0 {
		opts.LocalCapacity = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Layer{
		local:      expirable.NewLRU[string, entry](opts.LocalCapacity, nil, opts.TTL),
		backend:    opts.Backend,
		defaultTTL: opts.TTL,
		now:        time.Now,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(slog.String("component", "cache")),
	}
}

// Get looks in the local tier, then the shared tier. A shared-tier failure
// is logged and returned alongside found=false.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if e, ok := l.localGet(key); ok {
		l.metrics.CacheResult("get", "hit_local")
		return e.value, true, nil
	}

	if l.backend == nil {
		l.metrics.CacheResult("get", "miss")
		return nil, false, nil
	}

	data, err := l.backend.Get(ctx, key)
	switch {
	case err == nil:
		l.metrics.CacheResult("get", "hit_shared")
		return l.fillLocal(key, data), true, nil
	case errors.Is(err, ErrMiss):
		l.metrics.CacheResult("get", "miss")
		return nil, false, nil
	default:
		l.absorb(ctx, "get", key, err)
		return nil, false, err
	}
}

// Set writes the local tier, then the shared tier. The local write always
// happens; a shared-tier error is logged, counted, and returned so callers
// may ignore it.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return l.set(ctx, key, entry{value: value}, ttl, true)
}

// Invalidate removes key from both tiers.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	l.local.Remove(key)
	l.metrics.CacheResult("invalidate", "ok")
	if l.backend == nil {
		return nil
	}
	if err := l.backend.Delete(ctx, key); err != nil {
		l.absorb(ctx, "delete", key, err)
		return err
	}
	return nil
}

// EntityKey is the cache key of an entity.
func EntityKey(id uuid.UUID) string {
	return "entity:" + id.String()
}

// PutEntity caches e in both tiers unless the local tier already holds a
// newer version of it.
func (l *Layer) PutEntity(ctx context.Context, e *domain.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	return l.set(ctx, EntityKey(e.ID), entry{value: data, version: e.Version}, l.defaultTTL, true)
}

// Loader fetches an entity from the authoritative store.
type Loader func(ctx context.Context) (*domain.Entity, error)

// GetEntity is a read-through lookup. Concurrent misses for the same entity
// share one load. Loaded entities populate only the local tier: the shared
// tier is written by writers alone, so a slow reader cannot overwrite a newer
// version there.
func (l *Layer) GetEntity(ctx context.Context, id uuid.UUID, load Loader) (*domain.Entity, error) {
	key := EntityKey(id)

	if data, ok, _ := l.Get(ctx, key); ok {
		var e domain.Entity
		if err := json.Unmarshal(data, &e); err == nil {
			return &e, nil
		}
		l.logger.Warn("discarding undecodable cache entry", slog.String("key", key))
		l.local.Remove(key)
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		e, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(e)
		if err == nil {
			_ = l.set(ctx, key, entry{value: data, version: e.Version}, l.defaultTTL, false)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Entity).Clone(), nil
}

// EvictStale drops the local copy of an entity if it is older than version.
// It reports whether an entry was evicted.
func (l *Layer) EvictStale(id uuid.UUID, version int64) bool {
	key := EntityKey(id)

	l.putMu.Lock()
	defer l.putMu.Unlock()

	e, ok := l.local.Peek(key)
	if !ok || e.version >= version {
		return false
	}
	l.local.Remove(key)
	l.metrics.CacheResult("evict", "stale")
	return true
}

// Len returns the number of entries in the local tier.
func (l *Layer) Len() int {
	return l.local.Len()
}

func (l *Layer) set(ctx context.Context, key string, e entry, ttl time.Duration, shared bool) error {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	e.expiresAt = l.now().Add(ttl)

	l.putMu.Lock()
	if e.version > 0 {
		if cur, ok := l.local.Peek(key); ok && cur.version > e.version {
			l.putMu.Unlock()
			l.metrics.CacheResult("set", "skipped_older")
			return nil
		}
	}
	l.local.Add(key, e)
	l.putMu.Unlock()
	l.metrics.CacheResult("set", "ok")

	if !shared || l.backend == nil {
		return nil
	}
	if err := l.backend.Set(ctx, key, e.value, ttl); err != nil {
		l.absorb(ctx, "set", key, err)
		return err
	}
	return nil
}

// fillLocal copies a shared-tier hit into the local tier and returns the
// value the caller should see. A local entry written while the shared read
// was in flight wins unless the shared copy carries a higher version.
func (l *Layer) fillLocal(key string, data []byte) []byte {
	var head struct {
		Version int64 `json:"version"`
	}
	_ = json.Unmarshal(data, &head)

	l.putMu.Lock()
	defer l.putMu.Unlock()

	if cur, ok := l.local.Peek(key); ok && !l.expired(cur) && cur.version >= head.Version {
		return cur.value
	}
	l.local.Add(key, entry{
		value:     data,
		version:   head.Version,
		expiresAt: l.now().Add(l.defaultTTL),
	})
	return data
}

func (l *Layer) expired(e entry) bool {
	return !e.expiresAt.IsZero() && l.now().After(e.expiresAt)
}

func (l *Layer) localGet(key string) (entry, bool) {
	e, ok := l.local.Get(key)
	if !ok {
		return entry{}, false
	}
	if l.expired(e) {
		l.local.Remove(key)
		return entry{}, false
	}
	return e, true
}

func (l *Layer) absorb(ctx context.Context, op, key string, err error) {
	l.metrics.Error("cache", op)
	logger.FromContextOrDefault(ctx, l.logger).Warn("shared cache operation failed",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", redact.Error(err)))
}
