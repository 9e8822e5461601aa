package postgres_test

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/tandem-api/internal/platform/postgres"
	"github.com/phrazzld/tandem-api/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "entities",
		ColumnName:     "title",
		ConstraintName: "entities_pkey",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		errIs  error
		errMsg string
	}{
		{name: "nil error"},
		{name: "sql.ErrNoRows", err: sql.ErrNoRows, errIs: store.ErrEntityNotFound, errMsg: "entity not found"},
		{name: "unique violation", err: newPgError("23505"), errIs: store.ErrDuplicate, errMsg: "entity already exists"},
		{name: "check constraint violation", err: newPgError("23514"), errIs: store.ErrInvalidEntity, errMsg: "check constraint entities_pkey"},
		{name: "not null violation", err: newPgError("23502"), errIs: store.ErrInvalidEntity, errMsg: "column title is null"},
		{name: "serialization failure", err: newPgError("40001"), errIs: postgres.ErrWriteAborted},
		{name: "deadlock", err: newPgError("40P01"), errIs: postgres.ErrWriteAborted},
		{name: "other postgres error", err: newPgError("42P01")},
		{name: "generic error", err: errors.New("generic error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := postgres.MapError(tt.err)

			if tt.err == nil {
				assert.Nil(t, result)
				return
			}
			if tt.errIs == nil {
				assert.Equal(t, tt.err.Error(), result.Error(), "unmapped errors pass through")
				return
			}
			assert.ErrorIs(t, result, tt.errIs)
			if tt.errMsg != "" {
				assert.Contains(t, result.Error(), tt.errMsg)
			}
		})
	}
}

