package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type for context keys in this package.
type contextKey int

const (
	identityKey contextKey = iota
)

// ContextWithIdentity returns a copy of ctx carrying identity. Called by the
// request pipeline after authentication succeeds.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the authenticated identity, if any. It never
// returns a nil identity with true.
//
// Example:
//
//	identity, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    return sserr.Unauthorized("no identity in context")
//	}
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// MustIdentityFromContext returns the identity or panics. Only use it
// behind the authentication middleware.
func MustIdentityFromContext(ctx context.Context) *Identity {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure authentication middleware is configured")
	}
	return identity
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex, so
// authentication events can be correlated with traces in logs.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
