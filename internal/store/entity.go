package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
)

// EntityStore is the durable, authoritative home of versioned entities.
// Implementations must make WriteIfVersion atomic: either the patch is
// applied and the version becomes expectedVersion+1, or nothing changes.
type EntityStore interface {
	// Get retrieves an entity by its unique ID.
	// Returns ErrEntityNotFound if the entity does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error)

	// Create persists a new entity. The entity must be valid and at version 1.
	// Returns ErrDuplicate if an entity with the same ID already exists.
	Create(ctx context.Context, entity *domain.Entity) error

	// WriteIfVersion applies patch to the entity identified by id only if its
	// stored version equals expectedVersion.
	// Returns *VersionConflictError (errors.Is ErrVersionConflict) on mismatch,
	// ErrEntityNotFound if the entity does not exist, and domain validation
	// errors if the patched entity is invalid.
	WriteIfVersion(
		ctx context.Context,
		id uuid.UUID,
		expectedVersion int64,
		patch domain.Patch,
	) (*domain.Entity, error)
}

// TxEntityStore is implemented by stores that can run on a caller-managed
// transaction.
type TxEntityStore interface {
	EntityStore

	// WithTx returns a new EntityStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) EntityStore
}
