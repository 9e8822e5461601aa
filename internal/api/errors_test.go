package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/guard"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"github.com/phrazzld/tandem-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	conflict := &store.VersionConflictError{EntityID: uuid.New(), ExpectedVersion: 1, CurrentVersion: 3}

	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"nil error", nil, http.StatusInternalServerError},
		{"invalid token", auth.ErrInvalidToken, http.StatusUnauthorized},
		{"wrapped expired token", fmt.Errorf("ws: %w", auth.ErrExpiredToken), http.StatusUnauthorized},
		{"not a member", domain.ErrUnauthorized, http.StatusForbidden},
		{"not found", store.ErrEntityNotFound, http.StatusNotFound},
		{"version conflict", conflict, http.StatusConflict},
		{"wrapped conflict", fmt.Errorf("update: %w", conflict), http.StatusConflict},
		{"duplicate", store.ErrDuplicate, http.StatusConflict},
		{"validation", domain.ErrEntityTitleEmpty, http.StatusBadRequest},
		{"invalid entity", fmt.Errorf("%w: bad", store.ErrInvalidEntity), http.StatusBadRequest},
		{"circuit open", guard.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expectedStatus, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, "An unexpected error occurred"},
		{"expired token", auth.ErrExpiredToken, "Token expired"},
		{"invalid token", auth.ErrInvalidToken, "Invalid token"},
		{"not found", store.ErrEntityNotFound, "Entity not found"},
		{"conflict", &store.VersionConflictError{CurrentVersion: 2}, "Entity was modified by someone else"},
		{"invalid id", fmt.Errorf("%w: id has invalid format", domain.ErrInvalidID), "Invalid ID"},
		{"empty patch", domain.ErrEmptyPatch, "Patch contains no changes"},
		{"validation", domain.ErrInvalidEntityStatus, "Invalid entity data"},
		{
			"internal details never leak",
			errors.New("pq: connection to postgres://admin:secret@db:5432 refused"),
			"An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()

	type request struct {
		ExpectedVersion int64  `validate:"gt=0"`
		Kind            string `validate:"oneof=task project"`
	}
	err := validator.New().Struct(request{ExpectedVersion: 0, Kind: "task"})
	require.Error(t, err)
	assert.Equal(t, "Invalid ExpectedVersion: too small", SanitizeValidationError(err))

	err = validator.New().Struct(request{ExpectedVersion: 1, Kind: "epic"})
	assert.Equal(t, "Invalid Kind: invalid value", SanitizeValidationError(fmt.Errorf("decode: %w", err)))

	assert.Equal(t, "Invalid entity data", SanitizeValidationError(fmt.Errorf("%w: title", domain.ErrValidation)))
	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("something else")))
}
