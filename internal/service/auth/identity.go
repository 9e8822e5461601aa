package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role controls which rooms a connection may join.
type Role string

// Known roles
const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleAdmin
}

// Identity is the authenticated principal behind a request or connection.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Authenticator resolves a bearer token into an Identity.
type Authenticator interface {
	// Authenticate returns an error matching ErrUnauthorized when the token
	// is missing, malformed, expired, or signed with another key.
	Authenticate(ctx context.Context, token string) (Identity, error)
}
