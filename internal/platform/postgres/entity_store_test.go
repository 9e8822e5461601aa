package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/platform/postgres"
	"github.com/phrazzld/tandem-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entityColumns = []string{
	"id", "kind", "version", "status", "title", "description",
	"owner_id", "team_members", "created_at", "updated_at",
}

func entityRow(id, owner uuid.UUID, version int64) *sqlmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return sqlmock.NewRows(entityColumns).AddRow(
		id.String(), "task", version, "todo", "Write docs", "",
		owner.String(), []byte(`["`+owner.String()+`"]`), now, now,
	)
}

func newMockStore(t *testing.T) (*postgres.PostgresEntityStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return postgres.NewPostgresEntityStore(db, nil), mock
}

func TestPostgresEntityStore_Get(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(entityRow(id, owner, 3))

		e, err := s.Get(context.Background(), id)

		require.NoError(t, err)
		assert.Equal(t, id, e.ID)
		assert.Equal(t, domain.KindTask, e.Kind)
		assert.Equal(t, int64(3), e.Version)
		assert.Equal(t, []uuid.UUID{owner}, e.TeamMembers)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(entityColumns))

		_, err := s.Get(context.Background(), id)

		assert.ErrorIs(t, err, store.ErrEntityNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresEntityStore_Create(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		e, err := domain.NewEntity(domain.KindTask, uuid.New(), "Ship it", "")
		require.NoError(t, err)

		mock.ExpectExec(`INSERT INTO entities`).
			WithArgs(e.ID, "task", int64(1), "todo", "Ship it", "", e.OwnerID,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Create(context.Background(), e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		e, err := domain.NewEntity(domain.KindProject, uuid.New(), "Roadmap", "")
		require.NoError(t, err)

		mock.ExpectExec(`INSERT INTO entities`).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err = s.Create(context.Background(), e)
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("invalid entity never reaches the database", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		e := &domain.Entity{ID: uuid.New(), Kind: domain.KindTask, Version: 1}

		err := s.Create(context.Background(), e)

		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresEntityStore_WriteIfVersion(t *testing.T) {
	t.Parallel()

	title := "Renamed"
	patch := domain.Patch{Title: &title}

	t.Run("matching version commits", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(entityRow(id, owner, 2))
		mock.ExpectExec(`UPDATE entities`).
			WithArgs(id, int64(3), "todo", "Renamed", "", owner,
				sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		e, err := s.WriteIfVersion(context.Background(), id, 2, patch)

		require.NoError(t, err)
		assert.Equal(t, int64(3), e.Version)
		assert.Equal(t, "Renamed", e.Title)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version rolls back with conflict", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(entityRow(id, owner, 5))
		mock.ExpectRollback()

		_, err := s.WriteIfVersion(context.Background(), id, 4, patch)

		require.ErrorIs(t, err, store.ErrVersionConflict)
		conflict, ok := store.AsVersionConflict(err)
		require.True(t, ok)
		assert.Equal(t, int64(5), conflict.CurrentVersion)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing entity", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(entityColumns))
		mock.ExpectRollback()

		_, err := s.WriteIfVersion(context.Background(), id, 1, patch)

		assert.ErrorIs(t, err, store.ErrEntityNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("aborted transaction", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(entityRow(id, owner, 1))
		mock.ExpectExec(`UPDATE entities`).
			WillReturnError(&pgconn.PgError{Code: "40P01"})
		mock.ExpectRollback()

		_, err := s.WriteIfVersion(context.Background(), id, 1, patch)

		assert.True(t, errors.Is(err, postgres.ErrWriteAborted))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("joins caller transaction", func(t *testing.T) {
		t.Parallel()
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		id, owner := uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1 FOR UPDATE`).
			WillReturnRows(entityRow(id, owner, 1))
		mock.ExpectExec(`UPDATE entities`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)
		s := postgres.NewPostgresEntityStore(db, nil).WithTx(tx)

		e, err := s.WriteIfVersion(context.Background(), id, 1, patch)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, int64(2), e.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
