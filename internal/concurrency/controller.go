package concurrency

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/cache"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
	"github.com/phrazzld/tandem-api/internal/store"
)

// Publisher sends committed changes to every server process.
type Publisher interface {
	Publish(ctx context.Context, event *events.ChangeEvent) error
}

// Controller is the single logical writer for entities. Writes to the same
// entity are serialized in this process and version-checked in the store;
// writes to different entities do not coordinate.
type Controller struct {
	store     store.EntityStore
	cache     *cache.Layer
	publisher Publisher
	locks     *keyedMutex
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewController wires the controller. Cache and publisher are required;
// metrics and logger fall back to no-op and default.
func NewController(
	entityStore store.EntityStore,
	cacheLayer *cache.Layer,
	publisher Publisher,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Controller {
	if entityStore == nil {
		panic("entityStore cannot be nil")
	}
	if cacheLayer == nil {
		panic("cacheLayer cannot be nil")
	}
	if publisher == nil {
		panic("publisher cannot be nil")
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		store:     entityStore,
		cache:     cacheLayer,
		publisher: publisher,
		locks:     newKeyedMutex(),
		metrics:   recorder,
		logger:    logger.With(slog.String("component", "concurrency_controller")),
	}
}

// ApplyUpdate applies patch if the entity is still at expectedVersion.
//
// On success the new version has been committed, written to the cache and
// handed to the publisher before ApplyUpdate returns. Cache and publish
// failures are logged and counted but do not fail the write. On a version
// mismatch the returned error is a *store.VersionConflictError carrying the
// current version and nothing is changed.
func (c *Controller) ApplyUpdate(
	ctx context.Context,
	entityID uuid.UUID,
	expectedVersion int64,
	patch domain.Patch,
) (*domain.Entity, error) {
	log := logger.FromContextOrDefault(ctx, c.logger).With(
		slog.String("entity_id", entityID.String()),
		slog.Int64("expected_version", expectedVersion))

	if expectedVersion < 1 {
		c.metrics.WriteResult("invalid")
		return nil, domain.ErrInvalidVersion
	}
	if patch.IsEmpty() {
		c.metrics.WriteResult("invalid")
		return nil, domain.ErrEmptyPatch
	}

	unlock, err := c.locks.Lock(ctx, entityID)
	if err != nil {
		c.metrics.WriteResult("cancelled")
		return nil, err
	}

	updated, err := c.store.WriteIfVersion(ctx, entityID, expectedVersion, patch)
	if err != nil {
		unlock()
		c.recordFailure(log, err)
		return nil, err
	}

	// The cache is updated under the entity lock so a later writer's version
	// always lands after this one.
	_ = c.cache.PutEntity(ctx, updated)
	unlock()

	c.metrics.WriteResult("ok")
	log.Debug("entity updated", slog.Int64("version", updated.Version))

	c.publish(ctx, updated)
	return updated.Clone(), nil
}

// Create persists a new version-1 entity, caches it and publishes it.
func (c *Controller) Create(ctx context.Context, entity *domain.Entity) error {
	log := logger.FromContextOrDefault(ctx, c.logger).With(
		slog.String("entity_id", entity.ID.String()))

	if err := c.store.Create(ctx, entity); err != nil {
		c.recordFailure(log, err)
		return err
	}

	_ = c.cache.PutEntity(ctx, entity)
	c.metrics.WriteResult("ok")
	c.publish(ctx, entity)
	return nil
}

// Get reads through the cache. A process that acknowledged a write reads
// that version or newer.
func (c *Controller) Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	return c.cache.GetEntity(ctx, id, func(ctx context.Context) (*domain.Entity, error) {
		return c.store.Get(ctx, id)
	})
}

func (c *Controller) publish(ctx context.Context, entity *domain.Entity) {
	origin, _ := OriginFromContext(ctx)

	ev, err := events.NewEntityEvent(entity, origin.UserID)
	if err != nil {
		c.metrics.Error("broadcast", "encode")
		c.logger.Error("failed to build change event",
			slog.String("entity_id", entity.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	ev.OriginClientID = origin.ClientID

	if err := c.publisher.Publish(ctx, ev); err != nil {
		logger.FromContextOrDefault(ctx, c.logger).Warn("change event not published",
			slog.String("entity_id", entity.ID.String()),
			slog.Int64("version", entity.Version),
			slog.String("message_id", ev.MessageID.String()),
			slog.String("error", redact.Error(err)))
	}
}

func (c *Controller) recordFailure(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		c.metrics.WriteResult("conflict")
		log.Debug("version conflict", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidEntity):
		c.metrics.WriteResult("invalid")
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDuplicate):
		c.metrics.WriteResult("rejected")
	default:
		c.metrics.WriteResult("error")
		log.Error("entity write failed", slog.String("error", redact.Error(err)))
	}
}
