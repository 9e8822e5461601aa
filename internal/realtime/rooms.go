package realtime

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/service/auth"
)

const userRoomPrefix = "user"

// maxRoomLength bounds room names accepted from clients.
const maxRoomLength = 128

// ParseEntityRoom splits a room such as "task:<id>" into its kind and id.
func ParseEntityRoom(room string) (domain.Kind, uuid.UUID, bool) {
	prefix, rest, ok := strings.Cut(room, ":")
	if !ok {
		return "", uuid.Nil, false
	}
	kind := domain.Kind(prefix)
	if !kind.Valid() {
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil || id == uuid.Nil {
		return "", uuid.Nil, false
	}
	return kind, id, true
}

// authorizeRoom decides whether identity may subscribe to room.
// Members may join their own user room, the presence room and entity rooms.
// Admins may join any well-formed room.
func authorizeRoom(identity auth.Identity, room string) error {
	if room == "" || len(room) > maxRoomLength || strings.ContainsAny(room, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	if identity.IsAdmin() {
		return nil
	}
	if room == domain.PresenceRoom {
		return nil
	}
	if _, _, ok := ParseEntityRoom(room); ok {
		return nil
	}

	prefix, rest, ok := strings.Cut(room, ":")
	if ok && prefix == userRoomPrefix {
		id, err := uuid.Parse(rest)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
		}
		if id == identity.UserID {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrForbiddenRoom, room)
}
