package concurrency

import (
	"context"

	"github.com/google/uuid"
)

// Origin identifies who caused a write. ClientID, when set, is the websocket
// client excluded from the resulting fan-out.
type Origin struct {
	UserID   uuid.UUID
	ClientID string
}

type originKey struct{}

// WithOrigin attaches the write's origin to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin attached by WithOrigin, if any.
func OriginFromContext(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}
