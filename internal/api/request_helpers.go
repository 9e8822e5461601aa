package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/api/shared"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/service/auth"
)

// ClientIDHeader lets a websocket client tag its own REST writes so the
// resulting change event is not echoed back to it.
const ClientIDHeader = "X-Client-ID"

// getIdentityFromContext extracts the identity placed in the context by the
// authentication middleware.
func getIdentityFromContext(r *http.Request) (auth.Identity, bool) {
	identity, ok := r.Context().Value(shared.IdentityContextKey).(auth.Identity)
	if !ok || identity.UserID == uuid.Nil {
		return auth.Identity{}, false
	}
	return identity, true
}

// getPathUUID extracts a UUID from the URL path parameters.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", domain.ErrInvalidID, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", domain.ErrInvalidID, paramName)
	}

	return id, nil
}

// handleIdentityAndPathUUID extracts both the identity from context and a
// UUID from the path parameters. It writes an error response if either
// extraction fails.
func handleIdentityAndPathUUID(
	w http.ResponseWriter,
	r *http.Request,
	paramName string,
) (auth.Identity, uuid.UUID, bool) {
	log := logger.FromContextOrDefault(r.Context(), slog.Default())

	identity, ok := getIdentityFromContext(r)
	if !ok {
		log.Warn("identity not found or invalid in request context")
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return auth.Identity{}, uuid.Nil, false
	}

	pathID, err := getPathUUID(r, paramName)
	if err != nil {
		log.Debug("invalid path parameter",
			slog.String("param_name", paramName),
			slog.String("value", chi.URLParam(r, paramName)))
		HandleAPIError(w, r, err, "")
		return auth.Identity{}, uuid.Nil, false
	}

	return identity, pathID, true
}
