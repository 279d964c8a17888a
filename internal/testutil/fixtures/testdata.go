// Package fixtures provides token and key set fixtures shared by the
// auth, pipeline and server tests.
//
// RSA keys are generated once per test binary. A [Signer] pairs one of
// them with a key id; a [JWKSServer] publishes signers over TLS.
package fixtures

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Standard claim values.
const (
	Issuer        = "https://id.accessgate.test/realms/clinic"
	Audience      = "accessgate"
	SubjectID     = "5f0c6a8e-2b1d-4c3e-9a7f-1e2d3c4b5a69"
	Email         = "therapist@clinic.test"
	DisplayName   = "Test Therapist"
	TenantID      = "clinic-001"
	OtherTenantID = "clinic-002"
)

// Standard key ids.
const (
	KeyID    = "test-key-1"
	AltKeyID = "test-key-2"
)

var (
	keysOnce sync.Once
	keys     [2]*rsa.PrivateKey
	keysErr  error
)

func privateKey(t testing.TB, i int) *rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for j := range keys {
			keys[j], keysErr = rsa.GenerateKey(rand.Reader, 2048)
			if keysErr != nil {
				return
			}
		}
	})
	require.NoError(t, keysErr, "failed to generate RSA key")
	return keys[i]
}

// Signer signs RS256 tokens with a fixed key id.
type Signer struct {
	KeyID   string
	Private *rsa.PrivateKey
}

// NewSigner returns a signer using the primary test key.
func NewSigner(t testing.TB, kid string) *Signer {
	t.Helper()
	return &Signer{KeyID: kid, Private: privateKey(t, 0)}
}

// NewAltSigner returns a signer using a second, unrelated key. Tokens it
// signs under a kid published for [NewSigner] fail verification.
func NewAltSigner(t testing.TB, kid string) *Signer {
	t.Helper()
	return &Signer{KeyID: kid, Private: privateKey(t, 1)}
}

// Sign returns a compact RS256 token with s.KeyID in its header.
func (s *Signer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.KeyID
	signed, err := token.SignedString(s.Private)
	require.NoError(t, err, "failed to sign token")
	return signed
}

// JWK returns the public half of s as a JSON Web Key.
func (s *Signer) JWK() map[string]any {
	pub := s.Private.PublicKey
	return map[string]any{
		"kty": "RSA",
		"kid": s.KeyID,
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// JWKS encodes signers as a key set document.
func JWKS(signers ...*Signer) []byte {
	ks := make([]map[string]any, 0, len(signers))
	for _, s := range signers {
		ks = append(ks, s.JWK())
	}
	data, _ := json.Marshal(map[string]any{"keys": ks})
	return data
}

// Claims returns a valid claim set issued now, expiring in an hour, for
// the standard subject and tenant with the given top-level roles.
func Claims(roles ...string) jwt.MapClaims {
	now := time.Now()
	c := jwt.MapClaims{
		"sub":       SubjectID,
		"email":     Email,
		"name":      DisplayName,
		"iss":       Issuer,
		"aud":       Audience,
		"tenant_id": TenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
	if len(roles) > 0 {
		c["roles"] = roles
	}
	return c
}

// JWKSServer is a TLS key set endpoint whose contents and status can be
// changed during a test.
type JWKSServer struct {
	*httptest.Server

	hits   atomic.Int64
	mu     sync.Mutex
	body   []byte
	status int
}

// NewJWKSServer starts a server publishing signers. It is closed on test
// cleanup.
func NewJWKSServer(t testing.TB, signers ...*Signer) *JWKSServer {
	t.Helper()
	s := &JWKSServer{body: JWKS(signers...), status: http.StatusOK}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *JWKSServer) serve(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	body, status := s.body, s.status
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write(body)
	}
}

// SetKeys replaces the published keys.
func (s *JWKSServer) SetKeys(signers ...*Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = JWKS(signers...)
}

// SetBody replaces the response body verbatim.
func (s *JWKSServer) SetBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = []byte(body)
}

// SetStatus makes subsequent responses use status. Non-200 responses
// have no body.
func (s *JWKSServer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Hits returns how many requests the server has answered.
func (s *JWKSServer) Hits() int64 {
	return s.hits.Load()
}
