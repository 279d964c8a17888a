package main

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/StricklySoft/accessgate/pkg/auth"
	"github.com/StricklySoft/accessgate/pkg/clients/postgres"
	"github.com/StricklySoft/accessgate/pkg/clients/redis"
	"github.com/StricklySoft/accessgate/pkg/config"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
	"github.com/StricklySoft/accessgate/pkg/ratelimit"
)

const envPrefix = "ACCESSGATE"

// jwksPath is appended to the issuer to locate the provider's key set.
const jwksPath = "/protocol/openid-connect/certs"

// Config is the service configuration. Environment variables are read
// with the ACCESSGATE_ prefix, e.g. ACCESSGATE_PROVIDER_URL.
type Config struct {
	// ProviderURL is the identity provider's base URL. Empty only in
	// development mode.
	ProviderURL string `json:"provider_url" yaml:"provider_url" env:"PROVIDER_URL" validate:"omitempty,url"`
	Realm       string `json:"realm" yaml:"realm" env:"REALM"`

	// JWKSURL overrides the key set location derived from the issuer.
	JWKSURL  string `json:"jwks_url,omitempty" yaml:"jwks_url" env:"JWKS_URL" validate:"omitempty,url"`
	Audience string `json:"audience,omitempty" yaml:"audience" env:"AUDIENCE"`

	JWKSTTL           time.Duration `json:"jwks_ttl" yaml:"jwks_ttl" env:"JWKS_TTL" envDefault:"5m"`
	JWKSTimeout       time.Duration `json:"jwks_timeout" yaml:"jwks_timeout" env:"JWKS_TIMEOUT" envDefault:"10s"`
	JWKSAllowInsecure bool          `json:"jwks_allow_insecure" yaml:"jwks_allow_insecure" env:"JWKS_ALLOW_INSECURE"`

	RoleClaim   string `json:"role_claim,omitempty" yaml:"role_claim" env:"ROLE_CLAIM"`
	TenantClaim string `json:"tenant_claim,omitempty" yaml:"tenant_claim" env:"TENANT_CLAIM"`

	DevMode           bool `json:"dev_mode" yaml:"dev_mode" env:"DEV_MODE"`
	TrustForwardedFor bool `json:"trust_forwarded_for" yaml:"trust_forwarded_for" env:"TRUST_FORWARDED_FOR"`

	RateLimit ratelimit.Config `json:"ratelimit" yaml:"ratelimit" env:"RATELIMIT"`
	Redis     redis.Config     `json:"redis" yaml:"redis" env:"REDIS"`
	Postgres  postgres.Config  `json:"postgres" yaml:"postgres" env:"POSTGRES"`

	HTTPAddr           string        `json:"http_addr" yaml:"http_addr" env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr           string        `json:"grpc_addr,omitempty" yaml:"grpc_addr" env:"GRPC_ADDR"`
	CORSAllowedOrigins []string      `json:"cors_allowed_origins,omitempty" yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Log LogConfig `json:"log" yaml:"log" env:"LOG"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" env:"FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	c.ProviderURL = strings.TrimRight(c.ProviderURL, "/")

	if err := c.validateProvider(); err != nil {
		return err
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window < time.Millisecond {
		return sserr.New(sserr.CodeValidationRange, "config: ratelimit window must be at least 1ms")
	}
	switch c.RateLimit.Backend {
	case ratelimit.BackendRedis:
		if !c.Redis.Configured() {
			return sserr.New(sserr.CodeValidationRequired, "config: redis backend requires redis uri or host")
		}
	case ratelimit.BackendPostgres:
		if !c.Postgres.Configured() {
			return sserr.New(sserr.CodeValidationRequired, "config: postgres backend requires postgres uri or host")
		}
	}
	return nil
}

// validateProvider checks the identity provider settings. Dev mode
// forbids them instead.
func (c *Config) validateProvider() error {
	if c.DevMode {
		if c.ProviderURL != "" {
			return sserr.New(sserr.CodeValidation,
				"config: dev_mode cannot be enabled while provider_url is configured")
		}
		return nil
	}
	if c.ProviderURL == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"config: provider_url is required unless dev_mode is enabled")
	}
	if c.Realm == "" {
		return sserr.New(sserr.CodeValidationRequired, "config: realm is required")
	}
	if c.JWKSTTL <= 0 || c.JWKSTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "config: jwks_ttl and jwks_timeout must be positive")
	}
	return nil
}

// Issuer is the expected iss claim: {provider_url}/realms/{realm}.
func (c *Config) Issuer() string {
	return c.ProviderURL + "/realms/" + c.Realm
}

// KeySetURL is the JWKS location, derived from the issuer unless
// overridden.
func (c *Config) KeySetURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return c.Issuer() + jwksPath
}

// loadConfig reads defaults, the optional file, .env and the environment.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	loader := config.New().WithEnvPrefix(envPrefix).WithDotEnv(".env")
	if path != "" {
		loader = loader.WithFile(path)
	}
	if err := loader.Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// newKeySetCache builds the key cache described by cfg.
func newKeySetCache(cfg *Config, logger *zap.Logger, onRefresh func(error)) (*auth.KeySetCache, error) {
	return auth.NewKeySetCache(auth.KeySetCacheConfig{
		URL:           cfg.KeySetURL(),
		TTL:           cfg.JWKSTTL,
		Timeout:       cfg.JWKSTimeout,
		AllowInsecure: cfg.JWKSAllowInsecure,
		Logger:        logger,
		OnRefresh:     onRefresh,
	})
}

// newAuthenticator builds the verifier chain for cfg around keys.
func newAuthenticator(cfg *Config, keys auth.KeyProvider) (*auth.JWTAuthenticator, error) {
	validator, err := auth.NewClaimsValidator(auth.ClaimsValidatorConfig{
		Issuer:      cfg.Issuer(),
		Audience:    cfg.Audience,
		RoleClaim:   cfg.RoleClaim,
		TenantClaim: cfg.TenantClaim,
	})
	if err != nil {
		return nil, err
	}
	return auth.NewJWTAuthenticator(auth.NewTokenVerifier(keys), validator), nil
}

// newLogger builds a production JSON or development console logger.
func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeValidationFormat, "config: invalid log level %q", cfg.Level)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "config: failed to build logger")
	}
	return logger, nil
}
