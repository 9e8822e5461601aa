package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T) *domain.Entity {
	t.Helper()
	e, err := domain.NewEntity(domain.KindTask, uuid.New(), "task", "")
	require.NoError(t, err)
	return e
}

func TestEntityStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewEntityStore(nil)
	e := newTask(t)

	require.NoError(t, s.Create(ctx, e))
	assert.ErrorIs(t, s.Create(ctx, e), store.ErrDuplicate)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	got.Title = "mutated"
	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "task", again.Title, "callers must not alias stored state")

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrEntityNotFound)
}

func TestEntityStore_WriteIfVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewEntityStore(nil)
	e := newTask(t)
	require.NoError(t, s.Create(ctx, e))
	title := "renamed"

	updated, err := s.WriteIfVersion(ctx, e.ID, 1, domain.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.WriteIfVersion(ctx, e.ID, 1, domain.Patch{Title: &title})
	vc, ok := store.AsVersionConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), vc.CurrentVersion)

	blank := " "
	_, err = s.WriteIfVersion(ctx, e.ID, 2, domain.Patch{Title: &blank})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version, "failed writes must not change the version")

	_, err = s.WriteIfVersion(ctx, uuid.New(), 1, domain.Patch{Title: &title})
	assert.ErrorIs(t, err, store.ErrEntityNotFound)
}

func TestEntityStore_ConcurrentWritersOneWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewEntityStore(nil)
	e := newTask(t)
	require.NoError(t, s.Create(ctx, e))

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			title := uuid.NewString()
			_, err := s.WriteIfVersion(ctx, e.ID, 1, domain.Patch{Title: &title})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, store.ErrVersionConflict)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
