package auth

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authenticator turns a bearer token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// JWTAuthenticator verifies the token signature and then validates its
// claims. It holds no per-request state.
type JWTAuthenticator struct {
	verifier  *TokenVerifier
	validator *ClaimsValidator
	tracer    trace.Tracer
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator returns an Authenticator combining verifier and
// validator.
func NewJWTAuthenticator(verifier *TokenVerifier, validator *ClaimsValidator) *JWTAuthenticator {
	return &JWTAuthenticator{
		verifier:  verifier,
		validator: validator,
		tracer:    otel.Tracer(tracerName),
	}
}

// Authenticate verifies token and returns the caller's Identity.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (_ *Identity, err error) {
	ctx, span := startSpan(ctx, a.tracer, "auth.Authenticate")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	raw, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	id, err := a.validator.Validate(raw)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("enduser.id", id.SubjectID()),
		attribute.String("auth.tenant_id", id.TenantID()),
		attribute.String("auth.highest_role", id.HighestRole().String()),
	)
	return id, nil
}
