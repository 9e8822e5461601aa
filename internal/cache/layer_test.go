package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/cache"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/guard"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/platform/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend simulates an unreachable shared tier.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, guard.ErrConnection
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return guard.ErrConnection
}
func (failingBackend) Delete(context.Context, string) error { return guard.ErrConnection }

func newLayer(t *testing.T, backend cache.Backend) *cache.Layer {
	t.Helper()
	log, _ := logger.NewTestLogger()
	return cache.New(cache.Options{Backend: backend, LocalCapacity: 16, TTL: time.Minute, Logger: log})
}

func newEntity(t *testing.T) *domain.Entity {
	t.Helper()
	e, err := domain.NewEntity(domain.KindTask, uuid.New(), "Cache me", "")
	require.NoError(t, err)
	return e
}

func TestLayer_GetSetInvalidate(t *testing.T) {
	t.Parallel()

	l := newLayer(t, memory.NewCacheBackend())
	ctx := context.Background()

	_, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, l.Invalidate(ctx, "k"))
	_, ok, _ = l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLayer_PerEntryTTL(t *testing.T) {
	t.Parallel()

	l := newLayer(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, ok, _ := l.Get(ctx, "short")
	assert.False(t, ok)
}

func TestLayer_SharedTierAcrossProcesses(t *testing.T) {
	t.Parallel()

	shared := memory.NewCacheBackend()
	writer, reader := newLayer(t, shared), newLayer(t, shared)
	ctx := context.Background()
	e := newEntity(t)

	require.NoError(t, writer.PutEntity(ctx, e))

	got, err := reader.GetEntity(ctx, e.ID, func(context.Context) (*domain.Entity, error) {
		t.Fatal("loader must not run on a shared-tier hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestLayer_BackendFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	l := newLayer(t, failingBackend{})
	ctx := context.Background()
	e := newEntity(t)

	err := l.PutEntity(ctx, e)
	assert.ErrorIs(t, err, guard.ErrConnection, "failure is reported")

	got, err := l.GetEntity(ctx, e.ID, func(context.Context) (*domain.Entity, error) {
		t.Fatal("local tier must serve the writer")
		return nil, nil
	})
	require.NoError(t, err, "local tier still serves the writer")
	assert.Equal(t, e.Version, got.Version)
}

func TestLayer_ReadAfterWriteNeverOlder(t *testing.T) {
	t.Parallel()

	l := newLayer(t, memory.NewCacheBackend())
	ctx := context.Background()
	v1 := newEntity(t)
	title := "Second"
	v2, err := domain.Patch{Title: &title}.Apply(v1, time.Now())
	require.NoError(t, err)

	require.NoError(t, l.PutEntity(ctx, v2))
	require.NoError(t, l.PutEntity(ctx, v1), "older version is ignored, not an error")

	got, err := l.GetEntity(ctx, v1.ID, func(context.Context) (*domain.Entity, error) {
		return v1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Second", got.Title)
}

func TestLayer_GetEntityReadThrough(t *testing.T) {
	t.Parallel()

	l := newLayer(t, nil)
	ctx := context.Background()
	e := newEntity(t)

	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (*domain.Entity, error) {
		loads.Add(1)
		<-release
		return e, nil
	}

	var wg sync.WaitGroup
	results := make([]*domain.Entity, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := l.GetEntity(ctx, e.ID, loader)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(8))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, e.ID, r.ID)
	}
	assert.NotSame(t, results[0], results[1], "callers get independent copies")

	_, err := l.GetEntity(ctx, e.ID, func(context.Context) (*domain.Entity, error) {
		return nil, errors.New("must be cached now")
	})
	assert.NoError(t, err)
}

func TestLayer_GetEntityLoaderError(t *testing.T) {
	t.Parallel()

	l := newLayer(t, nil)
	loadErr := errors.New("store down")

	_, err := l.GetEntity(context.Background(), uuid.New(), func(context.Context) (*domain.Entity, error) {
		return nil, loadErr
	})
	assert.ErrorIs(t, err, loadErr)
	assert.Equal(t, 0, l.Len())
}

func TestLayer_EvictStale(t *testing.T) {
	t.Parallel()

	l := newLayer(t, nil)
	e := newEntity(t)
	require.NoError(t, l.PutEntity(context.Background(), e))

	assert.False(t, l.EvictStale(e.ID, 1), "same version is not stale")
	assert.True(t, l.EvictStale(e.ID, 2))
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.EvictStale(e.ID, 3), "nothing left to evict")
}

// stalledBackend holds Get until release is closed, then answers with stale.
type stalledBackend struct {
	entered chan struct{}
	release chan struct{}
	stale   []byte
}

func (b *stalledBackend) Get(context.Context, string) ([]byte, error) {
	close(b.entered)
	<-b.release
	return b.stale, nil
}
func (b *stalledBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (b *stalledBackend) Delete(context.Context, string) error                    { return nil }

func TestLayer_SharedHitDoesNotOverwriteNewerLocalWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v1 := newEntity(t)
	title := "Second"
	v2, err := domain.Patch{Title: &title}.Apply(v1, time.Now())
	require.NoError(t, err)

	staleBytes, err := json.Marshal(v1)
	require.NoError(t, err)
	backend := &stalledBackend{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		stale:   staleBytes,
	}
	l := newLayer(t, backend)

	type result struct {
		e   *domain.Entity
		err error
	}
	readDone := make(chan result, 1)
	go func() {
		e, err := l.GetEntity(ctx, v1.ID, func(context.Context) (*domain.Entity, error) {
			return v1, nil
		})
		readDone <- result{e, err}
	}()

	<-backend.entered
	require.NoError(t, l.PutEntity(ctx, v2))
	close(backend.release)

	r := <-readDone
	require.NoError(t, r.err)
	assert.Equal(t, int64(2), r.e.Version, "in-flight shared read returns the newer local write")

	got, err := l.GetEntity(ctx, v1.ID, func(context.Context) (*domain.Entity, error) {
		t.Fatal("local tier holds the entity")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Second", got.Title)
}

func TestLayer_SharedHitFillsLocalWithVersion(t *testing.T) {
	t.Parallel()

	shared := memory.NewCacheBackend()
	writer, reader := newLayer(t, shared), newLayer(t, shared)
	ctx := context.Background()
	v1 := newEntity(t)
	title := "Second"
	v2, err := domain.Patch{Title: &title}.Apply(v1, time.Now())
	require.NoError(t, err)

	require.NoError(t, writer.PutEntity(ctx, v2))
	_, ok, err := reader.Get(ctx, cache.EntityKey(v1.ID))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, reader.PutEntity(ctx, v1), "older write after a shared fill is ignored")
	got, err := reader.GetEntity(ctx, v1.ID, func(context.Context) (*domain.Entity, error) {
		return v1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}
