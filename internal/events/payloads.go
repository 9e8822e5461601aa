package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
)

// EntityPayload is carried by TASK_UPDATE and PROJECT_UPDATE.
type EntityPayload struct {
	Entity    *domain.Entity `json:"entity"`
	ChangedBy uuid.UUID      `json:"changedBy"`
}

// CommentPayload is carried by COMMENT_NEW.
type CommentPayload struct {
	CommentID  uuid.UUID   `json:"commentId"`
	EntityID   uuid.UUID   `json:"entityId"`
	EntityKind domain.Kind `json:"entityKind"`
	AuthorID   uuid.UUID   `json:"authorId"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// PresenceStatus is a user's reported availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}

// PresencePayload is carried by USER_STATUS.
type PresencePayload struct {
	UserID uuid.UUID      `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// Error codes carried in ERROR payloads.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeForbidden         = "FORBIDDEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorPayload is carried by ERROR.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
