package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/tandem-api/internal/store"
)

// ErrWriteAborted is returned when PostgreSQL aborted the write transaction
// (serialization failure or deadlock). Nothing was committed.
var ErrWriteAborted = errors.New("write aborted by database")

// SQLSTATE classes the entity store translates. Anything else passes
// through untouched.
var sqlStateErrors = map[string]struct {
	sentinel error
	detail   func(*pgconn.PgError) string
}{
	"23505": {sentinel: store.ErrDuplicate},
	"23514": {sentinel: store.ErrInvalidEntity, detail: func(e *pgconn.PgError) string {
		return "check constraint " + e.ConstraintName
	}},
	"23502": {sentinel: store.ErrInvalidEntity, detail: func(e *pgconn.PgError) string {
		return "column " + e.ColumnName + " is null"
	}},
	"40001": {sentinel: ErrWriteAborted},
	"40P01": {sentinel: ErrWriteAborted},
}

// MapError translates driver errors into store sentinels while keeping the
// original message in the chain.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrEntityNotFound, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	mapped, ok := sqlStateErrors[pgErr.Code]
	if !ok {
		return err
	}
	if mapped.detail != nil {
		return fmt.Errorf("%w: %s: %v", mapped.sentinel, mapped.detail(pgErr), err)
	}
	return fmt.Errorf("%w: %v", mapped.sentinel, err)
}

// expectOneRow fails a version-guarded UPDATE that matched nothing. The row
// is locked before the write, so zero rows means the version moved anyway.
func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: guarded update matched %d rows", store.ErrVersionConflict, n)
	}
	return nil
}
