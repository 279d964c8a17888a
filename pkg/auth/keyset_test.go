package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/accessgate/internal/testutil"
	"github.com/StricklySoft/accessgate/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type keysetTestClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *keysetTestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *keysetTestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func keysetTestCache(t *testing.T, srv *fixtures.JWKSServer, mutate func(*KeySetCacheConfig)) (*KeySetCache, *keysetTestClock) {
	t.Helper()
	cfg := KeySetCacheConfig{URL: srv.URL, HTTPClient: srv.Client()}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewKeySetCache(cfg)
	require.NoError(t, err)
	clock := &keysetTestClock{now: time.Now()}
	c.now = clock.Now
	return c, clock
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestKeySetCacheConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  KeySetCacheConfig
		code sserr.Code
	}{
		{"missing URL", KeySetCacheConfig{}, sserr.CodeValidationRequired},
		{"relative URL", KeySetCacheConfig{URL: "/certs"}, sserr.CodeValidationFormat},
		{"http without opt-in", KeySetCacheConfig{URL: "http://id.test/certs"}, sserr.CodeValidationFormat},
		{"unsupported scheme", KeySetCacheConfig{URL: "ftp://id.test/certs"}, sserr.CodeValidationFormat},
		{"negative TTL", KeySetCacheConfig{URL: "https://id.test/certs", TTL: -time.Second}, sserr.CodeValidationRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testutil.AssertErrorCode(t, tt.cfg.Validate(), tt.code)
		})
	}
}

func TestKeySetCacheConfig_Validate_AllowInsecure(t *testing.T) {
	t.Parallel()
	cfg := KeySetCacheConfig{URL: "http://localhost:8080/certs", AllowInsecure: true}
	assert.NoError(t, cfg.Validate())
}

func TestNewKeySetCache_Defaults(t *testing.T) {
	t.Parallel()
	c, err := NewKeySetCache(KeySetCacheConfig{URL: "https://id.test/certs"})
	require.NoError(t, err)
	assert.Equal(t, DefaultKeySetTTL, c.ttl)
	assert.Equal(t, DefaultKeySetTimeout, c.timeout)
	assert.False(t, c.Ready())
	assert.Nil(t, c.Current())
}

// ---------------------------------------------------------------------------
// GetKey
// ---------------------------------------------------------------------------

func TestGetKey_FetchesOnFirstUseThenCaches(t *testing.T) {
	t.Parallel()
	signer := fixtures.NewSigner(t, fixtures.KeyID)
	srv := fixtures.NewJWKSServer(t, signer)
	c, _ := keysetTestCache(t, srv, nil)

	key, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	assert.Equal(t, fixtures.KeyID, key.KeyID)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.Equal(t, 0, signer.Private.PublicKey.N.Cmp(key.Public.N))
	assert.Equal(t, int64(1), srv.Hits())

	_, err = c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Hits(), "fresh key set must be served from cache")
	assert.True(t, c.Ready())
}

func TestGetKey_RefreshesAfterTTL(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, clock := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	clock.Advance(DefaultKeySetTTL - time.Second)
	_, err = c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.Hits())

	clock.Advance(2 * time.Second)
	_, err = c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestGetKey_UnknownKidRefreshesOnce(t *testing.T) {
	t.Parallel()
	primary := fixtures.NewSigner(t, fixtures.KeyID)
	srv := fixtures.NewJWKSServer(t, primary)
	c, _ := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	// Provider rotates in a new key.
	srv.SetKeys(primary, fixtures.NewAltSigner(t, fixtures.AltKeyID))

	key, err := c.GetKey(context.Background(), fixtures.AltKeyID)
	require.NoError(t, err)
	assert.Equal(t, fixtures.AltKeyID, key.KeyID)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestGetKey_UnknownKidNotFoundAfterRefresh(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, _ := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	_, err = c.GetKey(context.Background(), "no-such-kid")
	testutil.RequireErrorCode(t, err, sserr.CodeTokenKeyNotFound)
	assert.Equal(t, int64(2), srv.Hits(), "exactly one refresh per miss")
}

func TestGetKey_UnknownKidAfterEarlierMissStillRefreshes(t *testing.T) {
	t.Parallel()
	primary := fixtures.NewSigner(t, fixtures.KeyID)
	srv := fixtures.NewJWKSServer(t, primary)
	c, _ := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	_, err = c.GetKey(context.Background(), "forged-kid")
	testutil.RequireErrorCode(t, err, sserr.CodeTokenKeyNotFound)

	srv.SetKeys(primary, fixtures.NewAltSigner(t, fixtures.AltKeyID))

	key, err := c.GetKey(context.Background(), fixtures.AltKeyID)
	require.NoError(t, err, "a rotated key must be fetched even right after a miss")
	assert.Equal(t, fixtures.AltKeyID, key.KeyID)
	assert.Equal(t, int64(3), srv.Hits())
}

func TestGetKey_StaleRefreshFailureSkipsMissRefresh(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, clock := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	srv.SetStatus(http.StatusServiceUnavailable)
	clock.Advance(DefaultKeySetTTL + time.Minute)

	_, err = c.GetKey(context.Background(), "rotated-kid")
	testutil.RequireErrorCode(t, err, sserr.CodeTokenKeyNotFound)
	assert.Equal(t, int64(2), srv.Hits(), "one fetch per lookup")
}

func TestGetKey_UnknownKidRefreshIsThrottled(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, _ := keysetTestCache(t, srv, func(cfg *KeySetCacheConfig) {
		cfg.MissRefreshInterval = time.Hour
	})

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	for range 5 {
		_, err = c.GetKey(context.Background(), "attacker-chosen-kid")
		testutil.AssertErrorCode(t, err, sserr.CodeTokenKeyNotFound)
	}
	assert.Equal(t, int64(2), srv.Hits(), "only the first miss may reach the provider")
}

func TestGetKey_UnknownKidThrottleDisabled(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, _ := keysetTestCache(t, srv, func(cfg *KeySetCacheConfig) {
		cfg.MissRefreshInterval = -1
	})

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)
	for range 3 {
		_, _ = c.GetKey(context.Background(), "missing")
	}
	assert.Equal(t, int64(4), srv.Hits())
}

func TestGetKey_UnknownKidOnFirstFetchDoesNotRefetch(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, _ := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), "missing")
	testutil.RequireErrorCode(t, err, sserr.CodeTokenKeyNotFound)
	assert.Equal(t, int64(1), srv.Hits())
}

func TestGetKey_ServesStaleKeysWhenRefreshFails(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, clock := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err)

	srv.SetStatus(http.StatusServiceUnavailable)
	clock.Advance(DefaultKeySetTTL + time.Minute)

	key, err := c.GetKey(context.Background(), fixtures.KeyID)
	require.NoError(t, err, "stale keys must stay in service")
	assert.Equal(t, fixtures.KeyID, key.KeyID)
	assert.Equal(t, int64(2), srv.Hits())
}

func TestGetKey_NoKeySetEverFetched(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	srv.SetStatus(http.StatusInternalServerError)
	c, _ := keysetTestCache(t, srv, nil)

	_, err := c.GetKey(context.Background(), fixtures.KeyID)
	testutil.RequireErrorCode(t, err, sserr.CodeTokenKeyNotFound)
	assert.False(t, c.Ready())
}

func TestGetKey_ConcurrentColdStartFetchesOnce(t *testing.T) {
	t.Parallel()
	signer := fixtures.NewSigner(t, fixtures.KeyID)
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write(fixtures.JWKS(signer))
	}))
	t.Cleanup(srv.Close)

	c, err := NewKeySetCache(KeySetCacheConfig{URL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.GetKey(context.Background(), fixtures.KeyID)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
}

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

func TestRefresh_ErrorCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		code   sserr.Code
	}{
		{"server error", http.StatusBadGateway, "", sserr.CodeUnavailableDependency},
		{"not JSON", http.StatusOK, "<html>", sserr.CodeUnavailableDependency},
		{"no keys", http.StatusOK, `{"keys":[]}`, sserr.CodeUnavailableDependency},
		{"only unusable keys", http.StatusOK, `{"keys":[{"kty":"EC","kid":"ec-1","crv":"P-256"}]}`, sserr.CodeUnavailableDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := fixtures.NewJWKSServer(t)
			srv.SetStatus(tt.status)
			srv.SetBody(tt.body)
			c, _ := keysetTestCache(t, srv, nil)

			testutil.AssertErrorCode(t, c.Refresh(context.Background()), tt.code)
			assert.False(t, c.Ready())
		})
	}
}

func TestRefresh_Timeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewKeySetCache(KeySetCacheConfig{
		URL:        srv.URL,
		HTTPClient: srv.Client(),
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	testutil.RequireErrorCode(t, c.Refresh(context.Background()), sserr.CodeTimeoutDependency)
}

func TestRefresh_IgnoresCallerCancellation(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, _ := keysetTestCache(t, srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Refresh(ctx))
	assert.True(t, c.Ready())
}

func TestRefresh_SkipsUnusableKeys(t *testing.T) {
	t.Parallel()
	signer := fixtures.NewSigner(t, fixtures.KeyID)
	good := signer.JWK()
	srv := fixtures.NewJWKSServer(t)
	srv.SetBody(`{"keys":[` +
		`{"kty":"RSA","kid":"enc-key","use":"enc","n":"` + good["n"].(string) + `","e":"AQAB"},` +
		`{"kty":"RSA","kid":"ps-key","alg":"PS256","n":"` + good["n"].(string) + `","e":"AQAB"},` +
		`{"kty":"RSA","kid":"` + fixtures.KeyID + `","alg":"RS256","use":"sig","n":"` + good["n"].(string) + `","e":"AQAB"},` +
		`{"kty":"RSA","kid":"` + fixtures.KeyID + `","n":"` + good["n"].(string) + `","e":"AQAB"}` +
		`]}`)
	c, _ := keysetTestCache(t, srv, nil)

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, []string{fixtures.KeyID}, c.Current().KeyIDs())
}

func TestRefresh_OnRefreshCallback(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	var results []error
	c, _ := keysetTestCache(t, srv, func(cfg *KeySetCacheConfig) {
		cfg.OnRefresh = func(err error) { results = append(results, err) }
	})

	require.NoError(t, c.Refresh(context.Background()))
	srv.SetStatus(http.StatusInternalServerError)
	require.Error(t, c.Refresh(context.Background()))

	require.Len(t, results, 2)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
}

func TestRun_RefreshesUntilCancelled(t *testing.T) {
	t.Parallel()
	srv := fixtures.NewJWKSServer(t, fixtures.NewSigner(t, fixtures.KeyID))
	c, err := NewKeySetCache(KeySetCacheConfig{URL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, c.Ready, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// ---------------------------------------------------------------------------
// JWK parsing
// ---------------------------------------------------------------------------

func TestParseJWK(t *testing.T) {
	t.Parallel()
	signer := fixtures.NewSigner(t, fixtures.KeyID)
	valid := signer.JWK()
	n := valid["n"].(string)

	short, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	shortN := base64.RawURLEncoding.EncodeToString(short.N.Bytes())
	evenE := base64.RawURLEncoding.EncodeToString(big.NewInt(65536).Bytes())

	tests := []struct {
		name string
		key  jwk
		ok   bool
	}{
		{"valid", jwk{Kty: "RSA", Kid: "k", Alg: "RS256", Use: "sig", N: n, E: "AQAB"}, true},
		{"alg and use omitted", jwk{Kty: "RSA", Kid: "k", N: n, E: "AQAB"}, true},
		{"padded encoding", jwk{Kty: "RSA", Kid: "k", N: n, E: "AQAB=="}, true},
		{"missing kid", jwk{Kty: "RSA", N: n, E: "AQAB"}, false},
		{"EC key", jwk{Kty: "EC", Kid: "k", N: n, E: "AQAB"}, false},
		{"RS512", jwk{Kty: "RSA", Kid: "k", Alg: "RS512", N: n, E: "AQAB"}, false},
		{"encryption key", jwk{Kty: "RSA", Kid: "k", Use: "enc", N: n, E: "AQAB"}, false},
		{"1024-bit modulus", jwk{Kty: "RSA", Kid: "k", N: shortN, E: "AQAB"}, false},
		{"even exponent", jwk{Kty: "RSA", Kid: "k", N: n, E: evenE}, false},
		{"bad modulus encoding", jwk{Kty: "RSA", Kid: "k", N: "!!!", E: "AQAB"}, false},
		{"empty exponent", jwk{Kty: "RSA", Kid: "k", N: n, E: ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := parseJWK(tt.key)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 65537, key.Public.E)
			assert.Equal(t, "RS256", key.Algorithm)
		})
	}
}

func TestKeySet_LookupReturnsCopy(t *testing.T) {
	t.Parallel()
	ks := newKeySet([]SigningKey{{KeyID: "a"}, {KeyID: "b"}}, time.Now())
	k, ok := ks.Lookup("a")
	require.True(t, ok)
	k.KeyID = "mutated"

	again, _ := ks.Lookup("a")
	assert.Equal(t, "a", again.KeyID)
	assert.Equal(t, []string{"a", "b"}, ks.KeyIDs())
	assert.Equal(t, 2, ks.Len())

	_, ok = ks.Lookup("A")
	assert.False(t, ok, "kid match is exact")
}

func TestKeySet_Age(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ks := newKeySet(nil, fetched)

	assert.Equal(t, fetched, ks.FetchedAt())
	assert.Equal(t, 90*time.Second, ks.Age(fetched.Add(90*time.Second)))
	assert.Equal(t, 0, ks.Len())
}
