// Package server exposes the access layer over HTTP: probes, metrics and
// the forward-auth endpoints reverse proxies call before routing a
// request upstream.
//
// Routes:
//
//	GET /healthz        liveness
//	GET /readyz         lifecycle, signing keys and rate limit backend
//	GET /metrics        Prometheus exposition
//	GET /v1/whoami      the caller's identity as JSON
//	GET /v1/authorize   204 with X-Auth-* headers when the caller passes
//	                    the roles, min_role and tenant query checks
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/StricklySoft/accessgate/pkg/auth"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/lifecycle"
	"github.com/StricklySoft/accessgate/pkg/pipeline"
)

const (
	// Route names used for rate limit keys and metric labels.
	RouteWhoAmI    = "GET /v1/whoami"
	RouteAuthorize = "GET /v1/authorize"

	// DefaultShutdownTimeout bounds how long in-flight requests may run
	// after shutdown starts.
	DefaultShutdownTimeout = 15 * time.Second

	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 2 * time.Second

	errorBadRequest = "bad_request"
	errorNotFound   = "not_found"
)

// KeyStatus reports whether signing keys have been loaded.
// *auth.KeySetCache satisfies it.
type KeyStatus interface {
	Ready() bool
}

// HealthChecker probes a backend. ratelimit.Store satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options are the dependencies of a [Server].
type Options struct {
	// Pipeline guards the /v1 routes. Required.
	Pipeline *pipeline.Pipeline

	// Lifecycle gates readiness. Required.
	Lifecycle *lifecycle.Tracker

	// Keys is nil in development mode.
	Keys KeyStatus

	// Limiter is the rate limit backend probed by /readyz. May be nil.
	Limiter HealthChecker

	// RateLimit applies to every /v1 route when set.
	RateLimit *pipeline.Rule

	// Metrics and Gatherer enable request instrumentation and /metrics.
	Metrics  *pipeline.Metrics
	Gatherer prometheus.Gatherer

	// CORSAllowedOrigins enables CORS for the listed origins.
	CORSAllowedOrigins []string

	// ShutdownTimeout defaults to [DefaultShutdownTimeout].
	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

// Server is the HTTP surface of the service.
type Server struct {
	opts   Options
	router chi.Router
	logger *zap.Logger
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: pipeline is required")
	}
	if opts.Lifecycle == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: lifecycle tracker is required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.opts.Metrics.Instrument(routePattern))

	if len(s.opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{pipeline.HeaderRateLimitLimit, pipeline.HeaderRateLimitRemaining, pipeline.HeaderRetryAfter, "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	p := s.opts.Pipeline
	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/whoami", p.Protect(pipeline.Route{
			Name:      RouteWhoAmI,
			RateLimit: s.opts.RateLimit,
		}, http.HandlerFunc(s.handleWhoAmI)))
		allowed := http.Handler(http.HandlerFunc(writeIdentityHeaders))
		if s.opts.RateLimit != nil {
			allowed = p.RateLimit(RouteAuthorize, *s.opts.RateLimit)(allowed)
		}
		r.Method(http.MethodGet, "/authorize", p.Authenticate(s.authorizeQuery(allowed)))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		_ = pipeline.WriteJSON(w, http.StatusNotFound, pipeline.ErrorResponse{
			Error:   errorNotFound,
			Message: "Endpoint not found",
		})
	})
	return r
}

// routePattern labels metrics with the matched chi pattern so path
// parameters do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve answers requests on ln until ctx is done, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return sserr.Wrap(err, sserr.CodeInternal, "server: http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "server: graceful shutdown failed")
	}
	return nil
}

// ListenAndServe listens on addr and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "server: listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// ===========================================================================
// Probes
// ===========================================================================

// ReadyResponse is the body of /readyz.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

const checkOK = "ok"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = pipeline.WriteJSON(w, http.StatusOK, map[string]string{"status": checkOK})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	state := s.opts.Lifecycle.State()
	checks["lifecycle"] = state.String()
	if state != lifecycle.StateReady {
		ready = false
	}

	if s.opts.Keys != nil {
		if s.opts.Keys.Ready() {
			checks["signing_keys"] = checkOK
		} else {
			checks["signing_keys"] = "not loaded"
			ready = false
		}
	}

	if s.opts.Limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.opts.Limiter.Health(ctx); err != nil {
			s.logger.Warn("rate limit backend unhealthy", zap.Error(err))
			checks["rate_limit"] = "unavailable"
			ready = false
		} else {
			checks["rate_limit"] = checkOK
		}
	}

	if !ready {
		_ = pipeline.WriteJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	_ = pipeline.WriteJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// ===========================================================================
// Forward auth
// ===========================================================================

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	id := auth.MustIdentityFromContext(r.Context())
	_ = pipeline.WriteJSON(w, http.StatusOK, NewIdentityView(id))
}

// authorizeQuery evaluates the policy described by the query string
// before next runs, so denied and malformed requests never reach the
// rate limit stage:
//
//	roles     comma-separated; the caller must hold one of them
//	min_role  the caller's highest role must reach it
//	tenant    the caller must belong to it; present but empty means own
func (s *Server) authorizeQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		check, msg := parseAuthorizeQuery(r.URL.Query())
		if check == nil {
			writeBadRequest(w, msg)
			return
		}
		s.opts.Pipeline.Authorize(RouteAuthorize, check)(next).ServeHTTP(w, r)
	})
}

// parseAuthorizeQuery builds the identity check for q. It returns a nil
// check and the client message when a role is unknown.
func parseAuthorizeQuery(q url.Values) (func(*auth.Identity) error, string) {
	var anyRole []auth.Role
	if raw := q.Get("roles"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			role, ok := auth.ParseRole(name)
			if !ok {
				return nil, "Unknown role: " + strings.TrimSpace(name)
			}
			anyRole = append(anyRole, role)
		}
	}

	var minRole auth.Role
	if raw := q.Get("min_role"); raw != "" {
		role, ok := auth.ParseRole(raw)
		if !ok {
			return nil, "Unknown role: " + strings.TrimSpace(raw)
		}
		minRole = role
	}

	checkTenant := q.Has("tenant")
	tenant := q.Get("tenant")

	return func(id *auth.Identity) error {
		if len(anyRole) > 0 {
			if err := auth.RequireAnyRole(id, anyRole...); err != nil {
				return err
			}
		}
		if minRole != "" {
			if err := auth.RequireAtLeastRole(id, minRole); err != nil {
				return err
			}
		}
		if checkTenant {
			return auth.RequireSameTenant(id, tenant)
		}
		return nil
	}, ""
}

func writeIdentityHeaders(w http.ResponseWriter, r *http.Request) {
	v := NewIdentityView(auth.MustIdentityFromContext(r.Context()))
	w.Header().Set(auth.HeaderAuthSubject, v.SubjectID)
	w.Header().Set(auth.HeaderAuthTenant, v.TenantID)
	w.Header().Set(auth.HeaderAuthRoles, strings.Join(v.Roles, ","))
	w.WriteHeader(http.StatusNoContent)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	_ = pipeline.WriteJSON(w, http.StatusBadRequest, pipeline.ErrorResponse{
		Error:   errorBadRequest,
		Message: message,
	})
}
