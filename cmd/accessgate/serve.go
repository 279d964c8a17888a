package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/accessgate/pkg/auth"
	"github.com/StricklySoft/accessgate/pkg/clients/postgres"
	"github.com/StricklySoft/accessgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/lifecycle"
	"github.com/StricklySoft/accessgate/pkg/pipeline"
	"github.com/StricklySoft/accessgate/pkg/ratelimit"
	"github.com/StricklySoft/accessgate/pkg/server"
)

// Key set warm-up retry bounds.
const (
	warmUpInitialBackoff = 500 * time.Millisecond
	warmUpMaxBackoff     = 30 * time.Second
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forward-auth HTTP service and the optional gRPC listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			defer svc.close()

			return svc.run(ctx)
		},
	}
}

// service is the wired process: shared clients, the pipeline and its
// listeners.
type service struct {
	cfg     *Config
	logger  *zap.Logger
	tracker *lifecycle.Tracker
	keys    *auth.KeySetCache
	limiter ratelimit.Store
	http    *server.Server
	grpc    *grpc.Server
	health  *health.Server
	closers []func()
}

// newService connects backends and builds every component. Nothing
// listens until [service.run].
func newService(ctx context.Context, cfg *Config, logger *zap.Logger, registry *prometheus.Registry) (_ *service, err error) {
	svc := &service{
		cfg:     cfg,
		logger:  logger,
		tracker: lifecycle.NewTracker(logger),
	}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(registry)

	var authn auth.Authenticator
	if !cfg.DevMode {
		svc.keys, err = newKeySetCache(cfg, logger, metrics.ObserveKeySetRefresh)
		if err != nil {
			return nil, err
		}
		verifier, err := newAuthenticator(cfg, svc.keys)
		if err != nil {
			return nil, err
		}
		authn = verifier
		logger.Info("token verification configured",
			zap.String("issuer", cfg.Issuer()),
			zap.String("jwks_url", cfg.KeySetURL()))
	}

	svc.limiter, err = svc.newLimiter(ctx)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Options{
		Authenticator:     authn,
		Limiter:           svc.limiter,
		Logger:            logger,
		Metrics:           metrics,
		DevMode:           cfg.DevMode,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})
	if err != nil {
		return nil, err
	}

	var rule *pipeline.Rule
	if cfg.RateLimit.Limit > 0 {
		rule = &pipeline.Rule{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	}

	var keyStatus server.KeyStatus
	if svc.keys != nil {
		keyStatus = svc.keys
	}
	svc.http, err = server.New(server.Options{
		Pipeline:           p,
		Lifecycle:          svc.tracker,
		Keys:               keyStatus,
		Limiter:            svc.limiter,
		RateLimit:          rule,
		Metrics:            metrics,
		Gatherer:           registry,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.GRPCAddr != "" {
		svc.newGRPC(p)
	}
	return svc, nil
}

// newLimiter connects the configured rate limit backend.
func (s *service) newLimiter(ctx context.Context) (ratelimit.Store, error) {
	deps := ratelimit.Deps{Logger: s.logger}

	switch s.cfg.RateLimit.Backend {
	case ratelimit.BackendRedis:
		client, err := redis.NewClient(ctx, s.cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		deps.Redis = client
	case ratelimit.BackendPostgres:
		client, err := postgres.NewClient(ctx, s.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		deps.Postgres = client
	}

	store, err := ratelimit.New(s.cfg.RateLimit, deps)
	if err != nil {
		return nil, err
	}
	if pg, ok := store.(*ratelimit.PostgresLimiter); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	s.logger.Info("rate limiter configured",
		zap.String("backend", string(s.cfg.RateLimit.Backend)),
		zap.Int("limit", s.cfg.RateLimit.Limit),
		zap.Duration("window", s.cfg.RateLimit.Window))
	return store, nil
}

// newGRPC builds a gRPC server guarded by the pipeline. The health
// service is public and follows the lifecycle state.
func (s *service) newGRPC(p *pipeline.Pipeline) {
	policies := pipeline.MethodPolicies{
		healthpb.Health_Check_FullMethodName: {Public: true},
		healthpb.Health_Watch_FullMethodName: {Public: true},
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(p.UnaryServerInterceptor(policies)),
		grpc.ChainStreamInterceptor(p.StreamServerInterceptor(policies)),
	)
	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.tracker.OnStateChange(func(_, to lifecycle.State) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if to == lifecycle.StateReady {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus("", status)
	})
}

// components lists everything [service.run] starts.
func (s *service) components() []lifecycle.Component {
	cs := []lifecycle.Component{
		{Name: "http", Run: func(ctx context.Context) error {
			return s.http.ListenAndServe(ctx, s.cfg.HTTPAddr)
		}},
		{Name: "ratelimit", Run: s.limiter.Run},
		{Name: "warmup", Run: s.warmUp},
	}
	if s.keys != nil {
		cs = append(cs, lifecycle.Component{Name: "keyset", Run: func(ctx context.Context) error {
			s.keys.Run(ctx, 0)
			return nil
		}})
	}
	if s.grpc != nil {
		cs = append(cs, lifecycle.Component{Name: "grpc", Run: s.serveGRPC})
	}
	return cs
}

// run blocks until ctx is done or a component fails.
func (s *service) run(ctx context.Context) error {
	err := s.tracker.Run(ctx, s.components()...)
	s.logger.Info("shutdown complete", zap.String("state", s.tracker.State().String()))
	return err
}

// warmUp loads the signing keys, retrying with backoff, then marks the
// service ready. Requests arriving earlier still fetch keys on demand.
func (s *service) warmUp(ctx context.Context) error {
	if s.keys != nil {
		backoff := warmUpInitialBackoff
		for {
			err := s.keys.Refresh(ctx)
			if err == nil {
				break
			}
			s.logger.Warn("initial key set fetch failed; retrying",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, warmUpMaxBackoff)
		}
	}
	if err := s.tracker.Transition(lifecycle.StateReady); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *service) serveGRPC(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "grpc: listen on %s", s.cfg.GRPCAddr)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grpc server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.grpc.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return sserr.Wrap(err, sserr.CodeInternal, "grpc: server failed")
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("grpc graceful stop timed out; forcing")
		s.grpc.Stop()
	}
	return nil
}

// close releases backend clients in reverse order.
func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
