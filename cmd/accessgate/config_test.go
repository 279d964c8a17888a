package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/StricklySoft/accessgate/internal/testutil"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/ratelimit"
)

// ===========================================================================
// Loading
// ===========================================================================

func TestLoadConfig_Defaults(t *testing.T) {
	testutil.SetEnv(t, "ACCESSGATE_DEV_MODE", "true")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.DevMode)
	assert.Equal(t, 5*time.Minute, cfg.JWKSTTL)
	assert.Equal(t, 10*time.Second, cfg.JWKSTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ratelimit.BackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, 100, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Environment(t *testing.T) {
	testutil.SetEnv(t, "ACCESSGATE_PROVIDER_URL", "https://id.clinic.test/")
	testutil.SetEnv(t, "ACCESSGATE_REALM", "clinic")
	testutil.SetEnv(t, "ACCESSGATE_AUDIENCE", "accessgate")
	testutil.SetEnv(t, "ACCESSGATE_RATELIMIT_LIMIT", "20")
	testutil.SetEnv(t, "ACCESSGATE_RATELIMIT_WINDOW", "15m")
	testutil.SetEnv(t, "ACCESSGATE_CORS_ALLOWED_ORIGINS", "https://a.test,https://b.test")
	testutil.SetEnv(t, "ACCESSGATE_LOG_LEVEL", "debug")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://id.clinic.test", cfg.ProviderURL, "trailing slash is trimmed")
	assert.Equal(t, "https://id.clinic.test/realms/clinic", cfg.Issuer())
	assert.Equal(t, "https://id.clinic.test/realms/clinic/protocol/openid-connect/certs", cfg.KeySetURL())
	assert.Equal(t, "accessgate", cfg.Audience)
	assert.Equal(t, 20, cfg.RateLimit.Limit)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := testutil.TempConfigFile(t, `
provider_url: https://id.clinic.test
realm: clinic
jwks_url: https://keys.clinic.test/certs
ratelimit:
  backend: memory
  limit: 7
`, ".yaml")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://keys.clinic.test/certs", cfg.KeySetURL())
	assert.Equal(t, 7, cfg.RateLimit.Limit)
}

// ===========================================================================
// Validation
// ===========================================================================

func validConfig() Config {
	return Config{
		ProviderURL: "https://id.clinic.test",
		Realm:       "clinic",
		JWKSTTL:     5 * time.Minute,
		JWKSTimeout: 10 * time.Second,
		RateLimit:   ratelimit.Config{Backend: ratelimit.BackendMemory, Limit: 100, Window: time.Minute},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		code   sserr.Code
	}{
		{"valid", func(*Config) {}, ""},
		{"dev mode without provider", func(c *Config) { c.ProviderURL = ""; c.DevMode = true }, ""},
		{"dev mode with provider", func(c *Config) { c.DevMode = true }, sserr.CodeValidation},
		{"provider required", func(c *Config) { c.ProviderURL = "" }, sserr.CodeValidationRequired},
		{"realm required", func(c *Config) { c.Realm = "" }, sserr.CodeValidationRequired},
		{"zero ttl", func(c *Config) { c.JWKSTTL = 0 }, sserr.CodeValidationRange},
		{"tiny window", func(c *Config) { c.RateLimit.Window = time.Microsecond }, sserr.CodeValidationRange},
		{"limit disabled ignores window", func(c *Config) { c.RateLimit.Limit = 0; c.RateLimit.Window = 0 }, ""},
		{"redis backend without redis", func(c *Config) { c.RateLimit.Backend = ratelimit.BackendRedis }, sserr.CodeValidationRequired},
		{"redis backend with redis", func(c *Config) {
			c.RateLimit.Backend = ratelimit.BackendRedis
			c.Redis.URI = "redis://localhost:6379/0"
		}, ""},
		{"postgres backend without postgres", func(c *Config) { c.RateLimit.Backend = ratelimit.BackendPostgres }, sserr.CodeValidationRequired},
		{"dev mode tiny window", func(c *Config) {
			c.ProviderURL, c.DevMode = "", true
			c.RateLimit.Window = 0
		}, sserr.CodeValidationRange},
		{"dev mode redis backend without redis", func(c *Config) {
			c.ProviderURL, c.DevMode = "", true
			c.RateLimit.Backend = ratelimit.BackendRedis
		}, sserr.CodeValidationRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestLoadConfig_DevModeWithProviderRejected(t *testing.T) {
	testutil.SetEnv(t, "ACCESSGATE_DEV_MODE", "true")
	testutil.SetEnv(t, "ACCESSGATE_PROVIDER_URL", "https://id.clinic.test")

	_, err := loadConfig("")
	testutil.AssertErrorCode(t, err, sserr.CodeValidation)
}

func TestLoadConfig_BadLogLevel(t *testing.T) {
	testutil.SetEnv(t, "ACCESSGATE_DEV_MODE", "true")
	testutil.SetEnv(t, "ACCESSGATE_LOG_LEVEL", "verbose")

	_, err := loadConfig("")
	testutil.AssertErrorCode(t, err, sserr.CodeValidation)
}

// ===========================================================================
// Logger
// ===========================================================================

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := newLogger(LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = newLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(LogConfig{Level: "loud"})
	testutil.AssertErrorCode(t, err, sserr.CodeValidationFormat)
}
