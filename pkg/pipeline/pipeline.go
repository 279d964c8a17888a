// Package pipeline composes authentication, access policy and rate
// limiting into HTTP middleware and gRPC interceptors.
//
// Every protected request passes the same ordered stages:
//
//	authenticate -> authorize -> rate limit -> handler
//
// A [Pipeline] is built once from explicit dependencies and shared by all
// routes:
//
//	p, err := pipeline.New(pipeline.Options{
//	    Authenticator: authn,
//	    Limiter:       limiter,
//	    Logger:        logger,
//	})
//	mux.Handle("/v1/notes", p.Protect(pipeline.Route{
//	    Name:      "GET /v1/notes",
//	    Access:    pipeline.Access{AnyRole: []auth.Role{auth.RoleTherapist, auth.RoleClinicAdmin}},
//	    RateLimit: &pipeline.Rule{Limit: 100, Window: time.Minute},
//	}, notesHandler))
package pipeline

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/StricklySoft/accessgate/pkg/auth"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/ratelimit"
)

// Options are the dependencies of a [Pipeline].
type Options struct {
	// Authenticator turns bearer tokens into identities. Required unless
	// DevMode is set.
	Authenticator auth.Authenticator

	// Limiter backs every rate limit stage. Required when any route sets
	// a rule.
	Limiter ratelimit.Limiter

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics may be nil.
	Metrics *Metrics

	// DevMode skips token checks and injects [auth.NewDevIdentity]. The
	// service configuration only allows it when no identity provider is
	// configured.
	DevMode bool

	// TrustForwardedFor makes the first X-Forwarded-For address the client
	// address used for unauthenticated rate limit keys.
	TrustForwardedFor bool
}

// Pipeline holds the shared stages. It is safe for concurrent use.
type Pipeline struct {
	authn             auth.Authenticator
	limiter           ratelimit.Limiter
	logger            *zap.Logger
	metrics           *Metrics
	devMode           bool
	trustForwardedFor bool
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Authenticator == nil && !opts.DevMode {
		return nil, sserr.New(sserr.CodeInternalConfiguration,
			"pipeline: an authenticator is required outside development mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DevMode {
		logger.Warn("development mode: token verification is disabled and every request runs as the development identity",
			zap.String("subject", auth.DevSubjectID))
	}
	return &Pipeline{
		authn:             opts.Authenticator,
		limiter:           opts.Limiter,
		logger:            logger,
		metrics:           opts.Metrics,
		devMode:           opts.DevMode,
		trustForwardedFor: opts.TrustForwardedFor,
	}, nil
}

// Rule is a fixed-window rate limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Access is the role requirement of a route or method. Empty fields are
// not checked.
type Access struct {
	// AnyRole passes when the caller holds one of the roles. super_admin
	// must be listed to pass.
	AnyRole []auth.Role

	// MinRole passes when the caller's authority reaches the role.
	MinRole auth.Role
}

func (a Access) check(id *auth.Identity) error {
	if len(a.AnyRole) > 0 {
		if err := auth.RequireAnyRole(id, a.AnyRole...); err != nil {
			return err
		}
	}
	if a.MinRole != "" {
		if err := auth.RequireAtLeastRole(id, a.MinRole); err != nil {
			return err
		}
	}
	return nil
}

// Route describes one protected HTTP endpoint.
type Route struct {
	// Name keys rate limit windows and labels metrics, e.g. "GET /v1/notes".
	Name string

	Access Access

	// Tenant, when set, extracts the requested tenant for
	// [auth.RequireSameTenant].
	Tenant func(*http.Request) string

	// RateLimit, when set, limits each caller of the route.
	RateLimit *Rule
}

// Protect wraps h in the full chain for route.
func (p *Pipeline) Protect(route Route, h http.Handler) http.Handler {
	if route.RateLimit != nil {
		h = p.RateLimit(route.Name, *route.RateLimit)(h)
	}
	if route.Tenant != nil {
		h = p.RequireSameTenant(route.Name, route.Tenant)(h)
	}
	if len(route.Access.AnyRole) > 0 || route.Access.MinRole != "" {
		h = p.Authorize(route.Name, route.Access.check)(h)
	}
	return p.Authenticate(h)
}

// ===========================================================================
// Authentication
// ===========================================================================

// Authenticate resolves the caller from the Authorization header and
// stores the identity in the request context. Missing or malformed
// credentials and failed verification end in 401.
func (p *Pipeline) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, fail := p.authenticate(r.Context(), r.Header.Get(auth.HeaderAuthorization))
		if fail != nil {
			p.logAuthFailure(fail, zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("path", r.URL.Path))
			writeUnauthorized(w, fail.message, fail.reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// authFailure is a rejected authentication attempt.
type authFailure struct {
	message string
	reason  string
	label   string
	err     error
}

func (p *Pipeline) authenticate(ctx context.Context, header string) (*auth.Identity, *authFailure) {
	if p.devMode {
		return auth.NewDevIdentity(), nil
	}

	token := auth.ExtractBearerToken(header)
	if token == "" {
		return nil, &authFailure{message: MsgMissingAuthorization, label: "missing_credentials"}
	}

	id, err := p.authn.Authenticate(ctx, token)
	if err != nil {
		label, reason := classifyAuthError(err)
		return nil, &authFailure{message: MsgInvalidToken, reason: reason, label: label, err: err}
	}
	return id, nil
}

// classifyAuthError returns the metric label and the client-visible
// reason for an authentication error.
func classifyAuthError(err error) (label, reason string) {
	switch sserr.GetCode(err) {
	case sserr.CodeTokenExpired:
		return "expired", ReasonTokenExpired
	case sserr.CodeTokenNotYetValid:
		return "not_yet_valid", ReasonTokenNotYetValid
	case sserr.CodeTokenIssuer:
		return "invalid_issuer", ReasonInvalidIssuer
	case sserr.CodeTokenAudience:
		return "invalid_audience", ""
	case sserr.CodeTokenMalformed:
		return "malformed", ""
	case sserr.CodeTokenAlgorithm:
		return "unsupported_algorithm", ""
	case sserr.CodeTokenKeyNotFound:
		return "key_not_found", ""
	case sserr.CodeTokenSignature:
		return "bad_signature", ""
	default:
		return "error", ""
	}
}

// logAuthFailure logs at warn, or at error when the key set could not be
// fetched at all, since no token can pass until that is fixed.
func (p *Pipeline) logAuthFailure(fail *authFailure, fields ...zap.Field) {
	p.metrics.authFailure(fail.label)
	fields = append(fields, zap.String("reason", fail.label))
	if fail.err != nil {
		fields = append(fields, zap.Error(fail.err))
	}
	if sserr.HasCodeInChain(fail.err, sserr.CodeUnavailableDependency) ||
		sserr.HasCodeInChain(fail.err, sserr.CodeTimeoutDependency) {
		p.logger.Error("authentication failed: signing keys unavailable", fields...)
		return
	}
	p.logger.Warn("authentication failed", fields...)
}

// ===========================================================================
// Authorization
// ===========================================================================

// RequireAnyRole denies callers holding none of roles with 403.
func (p *Pipeline) RequireAnyRole(route string, roles ...auth.Role) func(http.Handler) http.Handler {
	return p.Authorize(route, func(id *auth.Identity) error {
		return auth.RequireAnyRole(id, roles...)
	})
}

// RequireAtLeastRole denies callers below min with 403.
func (p *Pipeline) RequireAtLeastRole(route string, min auth.Role) func(http.Handler) http.Handler {
	return p.Authorize(route, func(id *auth.Identity) error {
		return auth.RequireAtLeastRole(id, min)
	})
}

// RequireSameTenant denies callers outside the tenant returned by
// tenantFrom with 403. An empty tenant means the caller's own.
func (p *Pipeline) RequireSameTenant(route string, tenantFrom func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := tenantFrom(r)
			p.Authorize(route, func(id *auth.Identity) error {
				return auth.RequireSameTenant(id, tenant)
			})(next).ServeHTTP(w, r)
		})
	}
}

// Authorize runs check against the request identity and answers 403 when
// it returns an error. It answers 401 when no identity is present.
func (p *Pipeline) Authorize(route string, check func(*auth.Identity) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				p.logger.Error("authorization without identity; authentication middleware is missing",
					zap.String("route", route))
				writeUnauthorized(w, MsgMissingAuthorization, "")
				return
			}
			if err := check(id); err != nil {
				p.metrics.authzDenial(route)
				p.logger.Info("access denied",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("route", route),
					zap.Object("identity", id),
					zap.Error(err))
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ===========================================================================
// Rate limiting
// ===========================================================================

// RateLimit limits each caller of route to rule. Callers are keyed by
// identity subject, or by client address when unauthenticated. Limiter
// failures are logged and the request is admitted.
func (p *Pipeline) RateLimit(route string, rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + p.callerKey(r.Context(), func() string { return p.clientIP(r) })

			w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(rule.Limit))
			d, ok := p.limit(r.Context(), route, key, rule)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
			if !d.Allowed {
				writeRateLimited(w, rule.Limit, rule.Window, d.RetryAfterSeconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limit runs the limiter. ok is false when the limiter failed and the
// request should be admitted without a decision.
func (p *Pipeline) limit(ctx context.Context, route, key string, rule Rule) (d ratelimit.Decision, ok bool) {
	if p.limiter == nil {
		p.logger.Error("rate limit configured without a limiter", zap.String("route", route))
		p.metrics.rateLimit(route, outcomeError)
		return d, false
	}
	d, err := p.limiter.Allow(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		p.metrics.rateLimit(route, outcomeError)
		p.logger.Error("rate limiter failed; admitting request",
			zap.String("route", route), zap.Error(err))
		return d, false
	}
	if !d.Allowed {
		p.metrics.rateLimit(route, outcomeDenied)
		p.logger.Info("rate limit exceeded",
			zap.String("route", route),
			zap.String("key", key),
			zap.Int("limit", rule.Limit),
			zap.Duration("window", rule.Window))
		return d, true
	}
	p.metrics.rateLimit(route, outcomeAllowed)
	return d, true
}

func (p *Pipeline) callerKey(ctx context.Context, addr func() string) string {
	if id, ok := auth.IdentityFromContext(ctx); ok && id.SubjectID() != "" {
		return "sub:" + id.SubjectID()
	}
	return "ip:" + addr()
}

func (p *Pipeline) clientIP(r *http.Request) string {
	if p.trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// TenantFromQuery reads the requested tenant from a query parameter.
func TenantFromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string { return r.URL.Query().Get(name) }
}

// TenantFromHeader reads the requested tenant from a request header.
func TenantFromHeader(name string) func(*http.Request) string {
	return func(r *http.Request) string { return r.Header.Get(name) }
}
