package ratelimit

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/accessgate/internal/testutil"
	"github.com/StricklySoft/accessgate/pkg/clients/postgres"
	"github.com/StricklySoft/accessgate/pkg/config"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

func TestNew_SelectsBackend(t *testing.T) {
	t.Parallel()

	s, err := New(Config{}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryLimiter{}, s)

	s, err = New(Config{Backend: BackendRedis, KeyPrefix: "x:"}, Deps{Redis: new(mockCounter)})
	require.NoError(t, err)
	require.IsType(t, &RedisLimiter{}, s)
	assert.Equal(t, "x:", s.(*RedisLimiter).prefix)

	var pool *pgxpool.Pool
	s, err = New(Config{Backend: BackendPostgres, Table: "windows"}, Deps{Postgres: postgres.NewFromPool(pool, nil)})
	require.NoError(t, err)
	require.IsType(t, &PostgresLimiter{}, s)
	assert.Equal(t, `"windows"`, s.(*PostgresLimiter).table)
}

func TestNew_MissingClient(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Backend: BackendRedis}, Deps{})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)

	_, err = New(Config{Backend: BackendPostgres}, Deps{})
	testutil.AssertErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Backend: "memcached"}, Deps{})
	testutil.AssertErrorCode(t, err, sserr.CodeValidationFormat)
}

func TestConfig_LoadsFromEnv(t *testing.T) {
	testutil.SetEnv(t, "RATELIMIT_BACKEND", "redis")
	testutil.SetEnv(t, "RATELIMIT_WINDOW", "30s")

	var cfg struct {
		RateLimit Config `env:"RATELIMIT"`
	}
	require.NoError(t, config.New().Load(&cfg))

	assert.Equal(t, BackendRedis, cfg.RateLimit.Backend)
	assert.Equal(t, 100, cfg.RateLimit.Limit)
	assert.Equal(t, "30s", cfg.RateLimit.Window.String())
	assert.Equal(t, DefaultReclaimInterval, cfg.RateLimit.ReclaimInterval)
	assert.Equal(t, DefaultKeyPrefix, cfg.RateLimit.KeyPrefix)
	assert.Equal(t, DefaultTable, cfg.RateLimit.Table)
}

func TestConfig_RejectsUnknownBackend(t *testing.T) {
	testutil.SetEnv(t, "RATELIMIT_BACKEND", "etcd")

	var cfg struct {
		RateLimit Config `env:"RATELIMIT"`
	}
	err := config.New().Load(&cfg)
	require.Error(t, err)
	assert.True(t, sserr.IsValidation(err))
}
