package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-for-testing"

func newTestService(t *testing.T, now time.Time) *JWTService {
	t.Helper()
	svc, err := NewJWTService(config.AuthConfig{JWTSecret: testSecret, TokenLifetimeMinutes: 60})
	require.NoError(t, err)
	return svc.WithTimeFunc(func() time.Time { return now })
}

func TestNewJWTService(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{JWTSecret: "short", TokenLifetimeMinutes: 60})
	assert.Error(t, err)

	_, err = NewJWTService(config.AuthConfig{JWTSecret: testSecret})
	assert.Error(t, err)

	svc, err := NewJWTService(config.AuthConfig{JWTSecret: testSecret, TokenLifetimeMinutes: 5})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, svc.tokenLifetime)
}

func TestGenerateAndAuthenticate(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, fixed)
	ctx := context.Background()

	t.Run("member default role", func(t *testing.T) {
		t.Parallel()
		id := uuid.New()
		token, err := svc.GenerateToken(ctx, Identity{UserID: id})
		require.NoError(t, err)

		got, err := svc.Authenticate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, Identity{UserID: id, Role: RoleMember}, got)
		assert.False(t, got.IsAdmin())
	})

	t.Run("admin role survives round trip", func(t *testing.T) {
		t.Parallel()
		id := uuid.New()
		token, err := svc.GenerateToken(ctx, Identity{UserID: id, Role: RoleAdmin})
		require.NoError(t, err)

		got, err := svc.Authenticate(ctx, " "+token+" ")
		require.NoError(t, err)
		assert.True(t, got.IsAdmin())
	})

	t.Run("rejects nil user and unknown role", func(t *testing.T) {
		t.Parallel()
		_, err := svc.GenerateToken(ctx, Identity{})
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = svc.GenerateToken(ctx, Identity{UserID: uuid.New(), Role: "root"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticateFailures(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, fixed)
	ctx := context.Background()

	valid, err := svc.GenerateToken(ctx, Identity{UserID: uuid.New()})
	require.NoError(t, err)

	later := svc.WithTimeFunc(func() time.Time { return fixed.Add(2 * time.Hour) })

	other, err := NewJWTService(config.AuthConfig{
		JWTSecret:            "wrong-secret-that-is-long-enough-for-testing",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)
	foreign, err := other.WithTimeFunc(func() time.Time { return fixed }).
		GenerateToken(ctx, Identity{UserID: uuid.New()})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"uid": uuid.New().String()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		svc     *JWTService
		token   string
		wantErr error
	}{
		{"empty", svc, "", ErrMissingToken},
		{"malformed", svc, "not.a.jwt", ErrInvalidToken},
		{"expired", later, valid, ErrExpiredToken},
		{"wrong key", svc, foreign, ErrInvalidToken},
		{"alg none", svc, unsigned, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.svc.Authenticate(ctx, tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}
