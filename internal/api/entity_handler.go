package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/api/shared"
	"github.com/phrazzld/tandem-api/internal/concurrency"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"github.com/phrazzld/tandem-api/internal/store"
)

// EntityService is the write and read path the handler depends on.
// concurrency.Controller implements it.
type EntityService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error)
	Create(ctx context.Context, entity *domain.Entity) error
	ApplyUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, patch domain.Patch) (*domain.Entity, error)
}

var _ EntityService = (*concurrency.Controller)(nil)

// EntityHandler serves the task and project endpoints.
type EntityHandler struct {
	service EntityService
	logger  *slog.Logger
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(service EntityService, logger *slog.Logger) *EntityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityHandler{
		service: service,
		logger:  logger.With("component", "entity_handler"),
	}
}

// GetEntity handles GET /api/entities/{id}.
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := handleIdentityAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	entity, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if !canAccess(identity, entity) {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, entity)
}

// CreateEntity handles POST /api/entities. The caller becomes the owner.
func (h *EntityHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	identity, ok := getIdentityFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req CreateEntityRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	entity, err := domain.NewEntity(req.Kind, identity.UserID, req.Title, req.Description)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	for _, member := range req.TeamMembers {
		if member == uuid.Nil {
			HandleAPIError(w, r, domain.ErrInvalidMemberID, "")
			return
		}
		if !slices.Contains(entity.TeamMembers, member) {
			entity.TeamMembers = append(entity.TeamMembers, member)
		}
	}

	ctx := h.withOrigin(r, identity)
	if err := h.service.Create(ctx, entity); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	logger.FromContextOrDefault(ctx, h.logger).Debug("entity created",
		"entity_id", entity.ID,
		"kind", entity.Kind)
	shared.RespondWithJSON(w, r, http.StatusCreated, entity)
}

// UpdateEntity handles PATCH /api/entities/{id}. A stale expectedVersion
// yields 409 with the current version so the client can refetch and retry.
func (h *EntityHandler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := handleIdentityAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	var req UpdateEntityRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	current, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if !canAccess(identity, current) {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	updated, err := h.service.ApplyUpdate(h.withOrigin(r, identity), id, req.ExpectedVersion, req.Patch)
	if err != nil {
		if conflict, ok := store.AsVersionConflict(err); ok {
			h.respondConflict(w, r, conflict)
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, updated)
}

func (h *EntityHandler) respondConflict(w http.ResponseWriter, r *http.Request, conflict *store.VersionConflictError) {
	logger.FromContextOrDefault(r.Context(), h.logger).Debug("version conflict",
		"entity_id", conflict.EntityID,
		"expected_version", conflict.ExpectedVersion,
		"current_version", conflict.CurrentVersion)

	shared.RespondWithJSON(w, r, http.StatusConflict, ConflictResponse{
		Error:          GetSafeErrorMessage(conflict),
		EntityID:       conflict.EntityID,
		CurrentVersion: conflict.CurrentVersion,
		TraceID:        shared.GetTraceID(r.Context()),
	})
}

func (h *EntityHandler) withOrigin(r *http.Request, identity auth.Identity) context.Context {
	return concurrency.WithOrigin(r.Context(), concurrency.Origin{
		UserID:   identity.UserID,
		ClientID: r.Header.Get(ClientIDHeader),
	})
}

// canAccess reports whether identity may read or change entity.
func canAccess(identity auth.Identity, entity *domain.Entity) bool {
	return identity.IsAdmin() || entity.HasMember(identity.UserID)
}
