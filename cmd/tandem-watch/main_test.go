package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

func TestParseRooms(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"presence", "task:1"}, parseRooms(" presence, ,task:1,"))
	assert.Nil(t, parseRooms(""))
}

func TestResolveToken(t *testing.T) {
	t.Parallel()

	t.Run("explicit token wins", func(t *testing.T) {
		t.Parallel()
		token, err := resolveToken(context.Background(), options{token: "abc", secret: testSecret})
		require.NoError(t, err)
		assert.Equal(t, "abc", token)
	})

	t.Run("requires token or secret", func(t *testing.T) {
		t.Parallel()
		_, err := resolveToken(context.Background(), options{})
		assert.Error(t, err)
	})

	t.Run("rejects malformed user", func(t *testing.T) {
		t.Parallel()
		_, err := resolveToken(context.Background(), options{secret: testSecret, user: "nope"})
		assert.Error(t, err)
	})

	t.Run("mints a verifiable token", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		token, err := resolveToken(context.Background(), options{
			secret: testSecret,
			user:   userID.String(),
			admin:  true,
		})
		require.NoError(t, err)

		svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: testSecret, TokenLifetimeMinutes: 60})
		require.NoError(t, err)
		identity, err := svc.Authenticate(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, userID, identity.UserID)
		assert.Equal(t, auth.RoleAdmin, identity.Role)
	})
}
