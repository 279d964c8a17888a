package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

const (
	// DefaultKeySetTTL is how long a fetched key set is considered fresh.
	DefaultKeySetTTL = 5 * time.Minute

	// DefaultKeySetTimeout bounds a single key set fetch.
	DefaultKeySetTimeout = 10 * time.Second

	// DefaultKeySetCheckInterval is the staleness check period used by
	// [KeySetCache.Run] when no interval is given.
	DefaultKeySetCheckInterval = time.Minute

	// maxKeySetBodySize caps the JWKS response body.
	maxKeySetBodySize = 1 << 20

	// minRSAModulusBits rejects keys too short to trust.
	minRSAModulusBits = 2048
)

// HTTPClient performs HTTP requests for key set fetches. *http.Client
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SigningKey is a parsed RSA public key from the provider's key set.
type SigningKey struct {
	KeyID     string
	KeyType   string
	Algorithm string
	Public    *rsa.PublicKey
}

// KeySet is an immutable, ordered set of signing keys as returned by one
// fetch. A refresh builds a new KeySet; existing ones are never modified.
type KeySet struct {
	keys      []SigningKey
	index     map[string]int
	fetchedAt time.Time
}

func newKeySet(keys []SigningKey, fetchedAt time.Time) *KeySet {
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k.KeyID] = i
	}
	return &KeySet{keys: keys, index: index, fetchedAt: fetchedAt}
}

// Lookup returns the key whose id equals kid exactly.
func (s *KeySet) Lookup(kid string) (*SigningKey, bool) {
	i, ok := s.index[kid]
	if !ok {
		return nil, false
	}
	k := s.keys[i]
	return &k, true
}

// KeyIDs returns the key ids in the order the provider published them.
func (s *KeySet) KeyIDs() []string {
	ids := make([]string, len(s.keys))
	for i, k := range s.keys {
		ids[i] = k.KeyID
	}
	return ids
}

// Len returns the number of keys.
func (s *KeySet) Len() int { return len(s.keys) }

// FetchedAt returns when the set was fetched.
func (s *KeySet) FetchedAt() time.Time { return s.fetchedAt }

// Age is how long ago the set was fetched, relative to now.
func (s *KeySet) Age(now time.Time) time.Duration { return now.Sub(s.fetchedAt) }

// KeySetCacheConfig configures a [KeySetCache].
type KeySetCacheConfig struct {
	// URL is the provider's JWKS endpoint. It must use https unless
	// AllowInsecure is set.
	URL string

	// TTL is the key set freshness window. Defaults to [DefaultKeySetTTL].
	TTL time.Duration

	// Timeout bounds each fetch. Defaults to [DefaultKeySetTimeout].
	Timeout time.Duration

	// MissRefreshInterval, when positive, is the minimum spacing between
	// refreshes caused by unknown key ids. Zero or negative leaves every
	// unknown key id its own refresh.
	MissRefreshInterval time.Duration

	// AllowInsecure permits an http:// URL, for local development only.
	AllowInsecure bool

	// HTTPClient overrides the client used for fetches. Defaults to an
	// *http.Client with Timeout as its timeout.
	HTTPClient HTTPClient

	// Logger receives refresh events. Defaults to a no-op logger.
	Logger *zap.Logger

	// OnRefresh, if set, is called after every fetch attempt with its
	// result. Used for metrics.
	OnRefresh func(err error)
}

// Validate checks the configuration.
func (c *KeySetCacheConfig) Validate() error {
	if c.URL == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: key set URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "auth: key set URL %q is not an absolute URL", c.URL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.AllowInsecure {
			return sserr.New(sserr.CodeValidationFormat,
				"auth: key set URL must use https (set AllowInsecure for local development)")
		}
	default:
		return sserr.Newf(sserr.CodeValidationFormat, "auth: unsupported key set URL scheme %q", u.Scheme)
	}
	if c.TTL < 0 || c.Timeout < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: key set TTL and timeout must not be negative")
	}
	return nil
}

// KeySetCache caches the identity provider's signing keys.
//
// A fetch happens on first use, when the cached set is older than the TTL,
// and at most once per lookup when a key id is unknown. A failed fetch
// keeps the previous set in service; lookups fail only when no set has
// ever been fetched. KeySetCache is safe for concurrent use.
type KeySetCache struct {
	url       string
	ttl       time.Duration
	timeout   time.Duration
	client    HTTPClient
	logger    *zap.Logger
	onRefresh func(error)
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.RWMutex
	current *KeySet

	flight      singleflight.Group
	missLimiter *rate.Limiter
}

// NewKeySetCache creates a cache. No network call is made until the first
// lookup or an explicit [KeySetCache.Refresh].
func NewKeySetCache(cfg KeySetCacheConfig) (*KeySetCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.TTL == 0 {
		cfg.TTL = DefaultKeySetTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultKeySetTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	missLimit := rate.Inf
	if cfg.MissRefreshInterval > 0 {
		missLimit = rate.Every(cfg.MissRefreshInterval)
	}

	return &KeySetCache{
		url:         cfg.URL,
		ttl:         cfg.TTL,
		timeout:     cfg.Timeout,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger.With(zap.String("jwks_url", cfg.URL)),
		onRefresh:   cfg.OnRefresh,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		missLimiter: rate.NewLimiter(missLimit, 1),
	}, nil
}

// GetKey returns the signing key with id kid. Errors carry
// [sserr.CodeTokenKeyNotFound].
func (c *KeySetCache) GetKey(ctx context.Context, kid string) (*SigningKey, error) {
	ks := c.Current()
	attempted := false

	if ks == nil || ks.Age(c.now()) > c.ttl {
		attempted = true
		fresh, err := c.refresh(ctx)
		switch {
		case err == nil:
			ks = fresh
		case ks == nil:
			c.logger.Error("auth: no signing keys available, key set has never been fetched", zap.Error(err))
			return nil, sserr.Wrap(err, sserr.CodeTokenKeyNotFound, "auth: no signing keys available")
		default:
			c.logger.Warn("auth: key set refresh failed, serving stale keys",
				zap.Error(err),
				zap.Duration("age", ks.Age(c.now())),
			)
		}
	}

	if key, ok := ks.Lookup(kid); ok {
		return key, nil
	}

	// One fetch per lookup, successful or not.
	if attempted {
		return nil, keyNotFound(kid)
	}
	if !c.missLimiter.Allow() {
		c.logger.Debug("auth: unknown key id, refresh throttled", zap.String("kid", kid))
		return nil, keyNotFound(kid)
	}

	fresh, err := c.refresh(ctx)
	if err != nil {
		c.logger.Warn("auth: key set refresh after unknown key id failed", zap.String("kid", kid), zap.Error(err))
		return nil, sserr.Wrapf(err, sserr.CodeTokenKeyNotFound, "auth: signing key %q not found", kid)
	}
	if key, ok := fresh.Lookup(kid); ok {
		return key, nil
	}
	return nil, keyNotFound(kid)
}

func keyNotFound(kid string) *sserr.Error {
	return sserr.Newf(sserr.CodeTokenKeyNotFound, "auth: signing key %q not found", kid)
}

// Current returns the cached key set, or nil before the first successful
// fetch.
func (c *KeySetCache) Current() *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Ready reports whether a key set has been fetched at least once.
func (c *KeySetCache) Ready() bool {
	return c.Current() != nil
}

// Refresh fetches the key set now. On failure the previous set stays in
// service.
func (c *KeySetCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// Run refreshes the key set whenever it is older than the TTL, checking
// every interval, until ctx is cancelled. Errors are logged.
func (c *KeySetCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeySetCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks := c.Current()
			if ks != nil && ks.Age(c.now()) <= c.ttl {
				continue
			}
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("auth: scheduled key set refresh failed", zap.Error(err))
			}
		}
	}
}

// refresh collapses concurrent fetches into one. The fetch is detached
// from the caller's cancellation so one abandoned request does not fail
// the others waiting on it; it is still bounded by the fetch timeout.
func (c *KeySetCache) refresh(ctx context.Context) (*KeySet, error) {
	v, err, _ := c.flight.Do("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		ks, err := c.fetch(fetchCtx)
		if c.onRefresh != nil {
			c.onRefresh(err)
		}
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = ks
		c.mu.Unlock()

		c.logger.Debug("auth: key set refreshed", zap.Strings("kids", ks.KeyIDs()))
		return ks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeySet), nil
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *KeySetCache) fetch(ctx context.Context) (_ *KeySet, err error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeySetRefresh")
	span.SetAttributes(attribute.String("http.url", c.url))
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: failed to build key set request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, sserr.Wrap(err, sserr.CodeTimeoutDependency, "auth: key set request timed out")
		}
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: key set request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeUnavailableDependency,
			"auth: key set endpoint returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBodySize))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: failed to read key set response")
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: key set response is not valid JSON")
	}

	keys := make([]SigningKey, 0, len(doc.Keys))
	seen := make(map[string]struct{}, len(doc.Keys))
	for _, k := range doc.Keys {
		key, err := parseJWK(k)
		if err != nil {
			c.logger.Debug("auth: skipping unusable key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if _, dup := seen[key.KeyID]; dup {
			continue
		}
		seen[key.KeyID] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, sserr.New(sserr.CodeUnavailableDependency, "auth: key set contains no usable RS256 keys")
	}

	span.SetAttributes(attribute.Int("auth.keyset.size", len(keys)))
	return newKeySet(keys, c.now()), nil
}

// parseJWK accepts RSA signing keys usable with RS256.
func parseJWK(k jwk) (SigningKey, error) {
	if k.Kid == "" {
		return SigningKey{}, errors.New("missing kid")
	}
	if k.Kty != "RSA" {
		return SigningKey{}, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	if k.Alg != "" && k.Alg != algRS256 {
		return SigningKey{}, fmt.Errorf("unsupported algorithm %q", k.Alg)
	}
	if k.Use != "" && k.Use != "sig" {
		return SigningKey{}, fmt.Errorf("key use %q is not sig", k.Use)
	}
	pub, err := parseRSAPublicKey(k.N, k.E)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{KeyID: k.Kid, KeyType: k.Kty, Algorithm: algRS256, Public: pub}, nil
}

// parseRSAPublicKey builds a public key from base64url modulus and exponent.
func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(nB64, "="))
	if err != nil || len(nBytes) == 0 {
		return nil, errors.New("invalid RSA modulus encoding")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(eB64, "="))
	if err != nil || len(eBytes) == 0 {
		return nil, errors.New("invalid RSA exponent encoding")
	}

	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < minRSAModulusBits {
		return nil, fmt.Errorf("RSA modulus of %d bits is too short", n.BitLen())
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 || e.Bit(0) == 0 {
		return nil, errors.New("invalid RSA exponent")
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
