package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/store"
)

const selectEntityColumns = `
	SELECT id, kind, version, status, title, description, owner_id, team_members, created_at, updated_at
	FROM entities
`

// PostgresEntityStore implements the store.TxEntityStore interface
// using a PostgreSQL database as the storage backend.
type PostgresEntityStore struct {
	db     store.DBTX
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresEntityStore creates a new PostgreSQL implementation of the EntityStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresEntityStore(db store.DBTX, logger *slog.Logger) *PostgresEntityStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresEntityStore{
		db:     db,
		logger: logger.With(slog.String("component", "entity_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ensure PostgresEntityStore implements store.TxEntityStore interface
var _ store.TxEntityStore = (*PostgresEntityStore)(nil)

// WithTx implements store.TxEntityStore.WithTx
func (s *PostgresEntityStore) WithTx(tx *sql.Tx) store.EntityStore {
	return &PostgresEntityStore{
		db:     tx,
		logger: s.logger,
		now:    s.now,
	}
}

// Get implements store.EntityStore.Get
// Returns store.ErrEntityNotFound if the entity does not exist.
func (s *PostgresEntityStore) Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	entity, err := scanEntity(s.db.QueryRowContext(ctx, selectEntityColumns+`WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("entity not found", slog.String("entity_id", id.String()))
			return nil, store.ErrEntityNotFound
		}
		log.Error("failed to get entity",
			slog.String("error", err.Error()),
			slog.String("entity_id", id.String()))
		return nil, MapError(err)
	}

	return entity, nil
}

// Create implements store.EntityStore.Create
// Returns store.ErrDuplicate if the ID is already taken.
func (s *PostgresEntityStore) Create(ctx context.Context, entity *domain.Entity) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := entity.Validate(); err != nil {
		log.Warn("entity validation failed during create",
			slog.String("error", err.Error()),
			slog.String("entity_id", entity.ID.String()))
		return err
	}
	if entity.Version != 1 {
		return fmt.Errorf("%w: new entities start at version 1", store.ErrInvalidEntity)
	}

	members, err := json.Marshal(memberList(entity.TeamMembers))
	if err != nil {
		return fmt.Errorf("failed to encode team members: %w", err)
	}

	query := `
		INSERT INTO entities (id, kind, version, status, title, description, owner_id, team_members, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		entity.ID,
		string(entity.Kind),
		entity.Version,
		string(entity.Status),
		entity.Title,
		entity.Description,
		entity.OwnerID,
		members,
		entity.CreatedAt,
		entity.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create entity",
			slog.String("error", err.Error()),
			slog.String("entity_id", entity.ID.String()))
		return MapError(err)
	}

	log.Info("entity created successfully",
		slog.String("entity_id", entity.ID.String()),
		slog.String("kind", string(entity.Kind)))
	return nil
}

// WriteIfVersion implements store.EntityStore.WriteIfVersion
// The row is locked for the duration of the check-and-write. When the store is
// bound to a *sql.DB the work runs in its own transaction; when bound to a
// transaction via WithTx it joins the caller's.
func (s *PostgresEntityStore) WriteIfVersion(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	patch domain.Patch,
) (*domain.Entity, error) {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.writeIfVersion(ctx, s.db, id, expectedVersion, patch)
	}

	var updated *domain.Entity
	err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		updated, err = s.writeIfVersion(ctx, tx, id, expectedVersion, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresEntityStore) writeIfVersion(
	ctx context.Context,
	db store.DBTX,
	id uuid.UUID,
	expectedVersion int64,
	patch domain.Patch,
) (*domain.Entity, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	current, err := scanEntity(db.QueryRowContext(ctx, selectEntityColumns+`WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrEntityNotFound
		}
		return nil, MapError(err)
	}

	if current.Version != expectedVersion {
		log.Debug("version conflict",
			slog.String("entity_id", id.String()),
			slog.Int64("expected_version", expectedVersion),
			slog.Int64("current_version", current.Version))
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

	members, err := json.Marshal(memberList(next.TeamMembers))
	if err != nil {
		return nil, fmt.Errorf("failed to encode team members: %w", err)
	}

	query := `
		UPDATE entities
		SET version = $2, status = $3, title = $4, description = $5, owner_id = $6,
			team_members = $7, updated_at = $8
		WHERE id = $1 AND version = $9
	`
	result, err := db.ExecContext(ctx, query,
		next.ID,
		next.Version,
		string(next.Status),
		next.Title,
		next.Description,
		next.OwnerID,
		members,
		next.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		log.Error("failed to update entity",
			slog.String("error", err.Error()),
			slog.String("entity_id", id.String()))
		return nil, MapError(err)
	}
	if err := expectOneRow(result); err != nil {
		return nil, err
	}

	log.Debug("entity updated",
		slog.String("entity_id", id.String()),
		slog.Int64("version", next.Version))
	return next, nil
}

func scanEntity(row *sql.Row) (*domain.Entity, error) {
	var (
		e       domain.Entity
		kind    string
		status  string
		members []byte
	)
	err := row.Scan(
		&e.ID,
		&kind,
		&e.Version,
		&status,
		&e.Title,
		&e.Description,
		&e.OwnerID,
		&members,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.Status = domain.Status(status)
	if err := json.Unmarshal(members, &e.TeamMembers); err != nil {
		return nil, fmt.Errorf("failed to decode team members: %w", err)
	}
	return &e, nil
}

// memberList keeps the column a JSON array even when there are no members.
func memberList(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
