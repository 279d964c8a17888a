package ratelimit

import (
	"time"

	"go.uber.org/zap"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// Backend names a [Store] implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Config selects and tunes the limiter backend. Env tags are relative;
// the service config nests it under RATELIMIT.
type Config struct {
	Backend Backend `json:"backend" yaml:"backend" env:"BACKEND" envDefault:"memory" validate:"omitempty,oneof=memory redis postgres"`

	// Limit and Window are the default rule applied to protected routes.
	Limit  int           `json:"limit" yaml:"limit" env:"LIMIT" envDefault:"100" validate:"gte=0"`
	Window time.Duration `json:"window" yaml:"window" env:"WINDOW" envDefault:"1m"`

	ReclaimInterval time.Duration `json:"reclaim_interval" yaml:"reclaim_interval" env:"RECLAIM_INTERVAL" envDefault:"1m"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"accessgate:rl:"`

	// Table holds PostgreSQL windows.
	Table string `json:"table" yaml:"table" env:"TABLE" envDefault:"rate_limit_windows"`
}

// Deps are the shared clients a backend may need.
type Deps struct {
	Redis    WindowCounter
	Postgres SQLStore
	Logger   *zap.Logger
}

// New builds the backend named by cfg.Backend, memory when empty. The
// redis and postgres backends require the matching client in deps.
// [PostgresLimiter.EnsureSchema] is not called.
func New(cfg Config, deps Deps) (Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryLimiter(cfg.ReclaimInterval, logger), nil
	case BackendRedis:
		if deps.Redis == nil {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "ratelimit: redis backend requires a redis client")
		}
		return NewRedisLimiter(deps.Redis, cfg.KeyPrefix, logger), nil
	case BackendPostgres:
		if deps.Postgres == nil {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "ratelimit: postgres backend requires a postgres client")
		}
		return NewPostgresLimiter(deps.Postgres, cfg.Table, cfg.ReclaimInterval, logger), nil
	default:
		return nil, sserr.Newf(sserr.CodeValidationFormat, "ratelimit: unknown backend %q", cfg.Backend)
	}
}
