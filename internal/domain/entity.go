package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxTitleLength bounds Entity.Title in characters.
const MaxTitleLength = 200

// Kind distinguishes the two versioned entity types.
type Kind string

// Possible entity kinds
const (
	KindTask    Kind = "task"
	KindProject Kind = "project"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindProject
}

// Status is the workflow state of an entity. The allowed set depends on Kind.
type Status string

// Task statuses
const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Project statuses
const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusOnHold    Status = "on_hold"
	StatusCompleted Status = "completed"
)

// StatusArchived is valid for both kinds.
const StatusArchived Status = "archived"

var statusesByKind = map[Kind][]Status{
	KindTask:    {StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusArchived},
	KindProject: {StatusPlanning, StatusActive, StatusOnHold, StatusCompleted, StatusArchived},
}

// ValidFor reports whether s is an allowed status for kind.
func (s Status) ValidFor(kind Kind) bool {
	return slices.Contains(statusesByKind[kind], s)
}

// InitialStatus returns the status a new entity of kind starts in.
func InitialStatus(kind Kind) Status {
	if kind == KindProject {
		return StatusPlanning
	}
	return StatusTodo
}

// Entity is a versioned task or project. Version starts at 1 and increases by
// exactly one per committed write.
type Entity struct {
	ID          uuid.UUID   `json:"id"`
	Kind        Kind        `json:"kind"`
	Version     int64       `json:"version"`
	Status      Status      `json:"status"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	OwnerID     uuid.UUID   `json:"ownerId"`
	TeamMembers []uuid.UUID `json:"teamMembers"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// NewEntity creates a version-1 entity in its kind's initial status.
// The owner is always a team member.
func NewEntity(kind Kind, ownerID uuid.UUID, title, description string) (*Entity, error) {
	now := time.Now().UTC()
	e := &Entity{
		ID:          uuid.New(),
		Kind:        kind,
		Version:     1,
		Status:      InitialStatus(kind),
		Title:       strings.TrimSpace(title),
		Description: description,
		OwnerID:     ownerID,
		TeamMembers: []uuid.UUID{ownerID},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Validate checks if the Entity has valid data.
func (e *Entity) Validate() error {
	if e.ID == uuid.Nil {
		return ErrEntityIDEmpty
	}
	if !e.Kind.Valid() {
		return ErrInvalidEntityKind
	}
	if e.Version < 1 {
		return ErrInvalidVersion
	}
	if !e.Status.ValidFor(e.Kind) {
		return ErrInvalidEntityStatus
	}
	if strings.TrimSpace(e.Title) == "" {
		return ErrEntityTitleEmpty
	}
	if len([]rune(e.Title)) > MaxTitleLength {
		return ErrEntityTitleTooLong
	}
	if e.OwnerID == uuid.Nil {
		return ErrEntityOwnerEmpty
	}
	for _, m := range e.TeamMembers {
		if m == uuid.Nil {
			return ErrInvalidMemberID
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate without racing readers.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.TeamMembers = slices.Clone(e.TeamMembers)
	return &c
}

// HasMember reports whether userID is the owner or a team member.
func (e *Entity) HasMember(userID uuid.UUID) bool {
	return e.OwnerID == userID || slices.Contains(e.TeamMembers, userID)
}

// Room returns the subscription room that receives this entity's changes.
func (e *Entity) Room() string {
	return EntityRoom(e.Kind, e.ID)
}

// EntityRoom builds a room name such as "task:<id>".
func EntityRoom(kind Kind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

// UserRoom is the private room of a single user.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// PresenceRoom receives USER_STATUS events.
const PresenceRoom = "presence"
