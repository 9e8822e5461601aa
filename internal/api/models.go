package api

import (
	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
)

// CreateEntityRequest defines the payload for POST /api/entities.
type CreateEntityRequest struct {
	Kind        domain.Kind `json:"kind"        validate:"required,oneof=task project"`
	Title       string      `json:"title"       validate:"required,max=200"`
	Description string      `json:"description" validate:"max=10000"`
	TeamMembers []uuid.UUID `json:"teamMembers"`
}

// UpdateEntityRequest defines the payload for PATCH /api/entities/{id}.
type UpdateEntityRequest struct {
	// ExpectedVersion is the version the client last saw.
	ExpectedVersion int64        `json:"expectedVersion" validate:"required,gt=0"`
	Patch           domain.Patch `json:"patch"`
}

// ConflictResponse is returned with 409 when ExpectedVersion is stale.
type ConflictResponse struct {
	Error          string    `json:"error"`
	EntityID       uuid.UUID `json:"entityId"`
	CurrentVersion int64     `json:"currentVersion"`
	TraceID        string    `json:"trace_id,omitempty"`
}
