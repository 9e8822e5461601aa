package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/store"
)

// EntityStore implements store.EntityStore in process memory.
// Stored entities are cloned on the way in and out.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]*domain.Entity
	now      func() time.Time
	logger   *slog.Logger
}

// Ensure EntityStore implements store.EntityStore interface
var _ store.EntityStore = (*EntityStore)(nil)

// NewEntityStore creates an empty store. If logger is nil, a default logger will be used.
func NewEntityStore(logger *slog.Logger) *EntityStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityStore{
		entities: make(map[uuid.UUID]*domain.Entity),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "memory_entity_store")),
	}
}

// Get implements store.EntityStore.Get
func (s *EntityStore) Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrEntityNotFound
	}
	return e.Clone(), nil
}

// Create implements store.EntityStore.Create
func (s *EntityStore) Create(ctx context.Context, entity *domain.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entity.Validate(); err != nil {
		return err
	}
	if entity.Version != 1 {
		return fmt.Errorf("%w: new entities start at version 1", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[entity.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, entity.ID)
	}
	s.entities[entity.ID] = entity.Clone()

	logger.FromContextOrDefault(ctx, s.logger).Debug("entity created",
		slog.String("entity_id", entity.ID.String()),
		slog.String("kind", string(entity.Kind)))
	return nil
}

// WriteIfVersion implements store.EntityStore.WriteIfVersion
func (s *EntityStore) WriteIfVersion(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	patch domain.Patch,
) (*domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entities[id]
	if !ok {
		return nil, store.ErrEntityNotFound
	}
	if current.Version != expectedVersion {
		return nil, &store.VersionConflictError{
			EntityID:        id,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current.Version,
		}
	}

	next, err := patch.Apply(current, s.now())
	if err != nil {
		return nil, err
	}
	s.entities[id] = next

	return next.Clone(), nil
}

// Len returns the number of stored entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
