package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
)

// ErrInvalidEvent is returned when an event is missing routing information or
// carries an unknown type.
var ErrInvalidEvent = errors.New("invalid change event")

// Type is the closed set of change event variants.
type Type string

const (
	TypeTaskUpdate    Type = "TASK_UPDATE"
	TypeProjectUpdate Type = "PROJECT_UPDATE"
	TypeCommentNew    Type = "COMMENT_NEW"
	TypeUserStatus    Type = "USER_STATUS"
	TypeError         Type = "ERROR"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeTaskUpdate, TypeProjectUpdate, TypeCommentNew, TypeUserStatus, TypeError:
		return true
	}
	return false
}

// Priority hints how urgently an event should be delivered.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// DefaultPriority returns the priority used when an event is built without one.
func DefaultPriority(t Type) Priority {
	switch t {
	case TypeTaskUpdate, TypeProjectUpdate, TypeError:
		return PriorityHigh
	case TypeUserStatus:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ChangeEvent is what travels over the bus between server processes.
// Room selects the local sockets that receive it; OriginClientID, when set,
// is skipped during fan-out.
type ChangeEvent struct {
	Type           Type            `json:"type"`
	EntityID       uuid.UUID       `json:"entityId"`
	Version        int64           `json:"version"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	MessageID      uuid.UUID       `json:"messageId"`
	Priority       Priority        `json:"priority"`
	Room           string          `json:"room"`
	OriginClientID string          `json:"originClientId,omitempty"`
}

// NewChangeEvent builds an event with a fresh message ID and the type's
// default priority.
func NewChangeEvent(t Type, room string, payload any) (*ChangeEvent, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, t)
	}
	if room == "" {
		return nil, fmt.Errorf("%w: room is required", ErrInvalidEvent)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}

	return &ChangeEvent{
		Type:      t,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New(),
		Priority:  DefaultPriority(t),
		Room:      room,
	}, nil
}

// NewEntityEvent builds the TASK_UPDATE or PROJECT_UPDATE event for a
// committed entity version, routed to the entity's room.
func NewEntityEvent(entity *domain.Entity, changedBy uuid.UUID) (*ChangeEvent, error) {
	t := TypeTaskUpdate
	if entity.Kind == domain.KindProject {
		t = TypeProjectUpdate
	}

	ev, err := NewChangeEvent(t, entity.Room(), EntityPayload{Entity: entity, ChangedBy: changedBy})
	if err != nil {
		return nil, err
	}
	ev.EntityID = entity.ID
	ev.Version = entity.Version
	return ev, nil
}

// Validate checks that the event can be routed.
func (e *ChangeEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.MessageID == uuid.Nil {
		return fmt.Errorf("%w: message ID is required", ErrInvalidEvent)
	}
	if e.Room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidEvent)
	}
	return nil
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *ChangeEvent) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Envelope returns the client-facing wire form of the event.
func (e *ChangeEvent) Envelope() Envelope {
	return Envelope{
		Type:      e.Type,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
		MessageID: e.MessageID,
		Priority:  e.Priority,
	}
}

// Envelope is the single structure used for every event sent to clients.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID uuid.UUID       `json:"messageId"`
	Priority  Priority        `json:"priority"`
}

// UnmarshalPayload decodes the envelope payload into the provided structure.
func (e *Envelope) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// ErrorEnvelope builds an ERROR envelope addressed to a single client.
func ErrorEnvelope(code, message string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{
		Type:      TypeError,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New(),
		Priority:  PriorityHigh,
	}
}
