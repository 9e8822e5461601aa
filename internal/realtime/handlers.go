package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
	"github.com/phrazzld/tandem-api/internal/store"
)

// MaxCommentLength bounds a comment body in characters.
const MaxCommentLength = 4000

func (m *Manager) handleFrame(s *Session, data []byte) {
	if !s.limiter.Allow() {
		m.metrics.Error("realtime", "rate_limited")
		s.logger.Debug("rate limit exceeded")
		m.sendError(s, events.CodeRateLimitExceeded, ErrRateLimitExceeded.Error())
		return
	}

	frame, err := events.DecodeFrame(data)
	if err != nil {
		m.metrics.MessageReceived("invalid")
		m.sendError(s, events.CodeBadRequest, "malformed frame")
		return
	}
	if frame.Envelope != nil {
		m.metrics.MessageReceived(string(frame.Envelope.Type))
		m.sendError(s, events.CodeBadRequest, "clients cannot publish change events")
		return
	}

	msg := frame.Control
	m.metrics.MessageReceived(string(msg.Type))

	switch msg.Type {
	case events.ControlSubscribe:
		m.handleSubscribe(s, msg)
	case events.ControlUnsubscribe:
		m.handleUnsubscribe(s, msg)
	case events.ControlPing:
		s.touch()
		m.sendControl(s, events.ControlMessage{Type: events.ControlPong, Nonce: msg.Nonce})
	case events.ControlPong:
		s.touch()
	case events.ControlPresence:
		m.handlePresence(s, msg)
	case events.ControlComment:
		m.handleComment(s, msg)
	case events.ControlAuth:
		m.sendError(s, events.CodeBadRequest, "connection is already authenticated")
	default:
		m.sendError(s, events.CodeBadRequest, "unsupported message type")
	}
}

func (m *Manager) handleSubscribe(s *Session, msg *events.ControlMessage) {
	err := authorizeRoom(s.Identity, msg.Room)
	if err == nil {
		err = m.authorizeMembership(s, msg.Room)
	}
	if err != nil {
		code, text := events.CodeBadRequest, err.Error()
		switch {
		case errors.Is(err, ErrForbiddenRoom):
			code = events.CodeForbidden
		case !errors.Is(err, ErrInvalidRoom):
			code, text = events.CodeInternal, "subscription failed"
			m.metrics.Error("realtime", "membership_lookup")
		}
		s.logger.Debug("subscription refused", "room", msg.Room, "error", redact.Error(err))
		m.sendError(s, code, text)
		return
	}
	if !m.hub.Join(s, msg.Room) {
		return
	}
	m.sendControl(s, events.ControlMessage{Type: events.ControlSubscribed, Room: msg.Room})
}

// authorizeMembership limits entity rooms to the entity's team, matching the
// REST read rule. Unknown entities are refused the same way as non-members.
func (m *Manager) authorizeMembership(s *Session, room string) error {
	if m.cfg.Entities == nil || s.Identity.IsAdmin() {
		return nil
	}
	kind, id, ok := ParseEntityRoom(room)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(logger.WithLogger(context.Background(), s.logger), lookupTimeout)
	defer cancel()
	entity, err := m.cfg.Entities.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %q", ErrForbiddenRoom, room)
	case err != nil:
		return fmt.Errorf("membership lookup failed: %w", err)
	case entity.Kind != kind || !entity.HasMember(s.Identity.UserID):
		return fmt.Errorf("%w: %q", ErrForbiddenRoom, room)
	}
	return nil
}

func (m *Manager) handleUnsubscribe(s *Session, msg *events.ControlMessage) {
	m.hub.Leave(s, msg.Room)
	m.sendControl(s, events.ControlMessage{Type: events.ControlUnsubscribed, Room: msg.Room})
}

func (m *Manager) handlePresence(s *Session, msg *events.ControlMessage) {
	if !msg.Status.Valid() {
		m.sendError(s, events.CodeBadRequest, "unknown presence status")
		return
	}
	m.publishPresence(s, msg.Status)
}

// handleComment publishes COMMENT_NEW to an entity room the session has joined.
func (m *Manager) handleComment(s *Session, msg *events.ControlMessage) {
	kind, entityID, ok := ParseEntityRoom(msg.Room)
	if !ok {
		m.sendError(s, events.CodeBadRequest, "comments must target an entity room")
		return
	}
	if msg.EntityID != uuid.Nil && msg.EntityID != entityID {
		m.sendError(s, events.CodeBadRequest, "entityId does not match room")
		return
	}
	if !s.InRoom(msg.Room) {
		m.sendError(s, events.CodeForbidden, "subscribe to the room before commenting")
		return
	}

	body := strings.TrimSpace(msg.Body)
	if body == "" || utf8.RuneCountInString(body) > MaxCommentLength {
		m.sendError(s, events.CodeBadRequest, "comment body must be 1-4000 characters")
		return
	}

	ev, err := events.NewChangeEvent(events.TypeCommentNew, msg.Room, events.CommentPayload{
		CommentID:  uuid.New(),
		EntityID:   entityID,
		EntityKind: kind,
		AuthorID:   s.Identity.UserID,
		Body:       body,
		CreatedAt:  m.clk.Now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		s.logger.Error("failed to build comment event", "error", err)
		m.sendError(s, events.CodeInternal, "could not post comment")
		return
	}
	ev.EntityID = entityID
	m.publish(ev)
}
