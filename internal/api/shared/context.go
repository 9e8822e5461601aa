package shared

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey namespaces request-scoped values set by the API layer.
type ContextKey string

const (
	// IdentityContextKey holds the auth.Identity of the authenticated caller.
	IdentityContextKey ContextKey = "identity"

	// TraceIDKey holds the per-request trace ID echoed in error bodies.
	TraceIDKey ContextKey = "traceID"
)

// SetTraceID returns a copy of ctx carrying a fresh trace ID. An ID that is
// already present is kept so nested routers don't overwrite it.
func SetTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

// WithTraceID returns a copy of ctx carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID returns the trace ID in ctx, or "".
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey).(string)
	return id
}
