package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

const (
	// algRS256 is the only signing algorithm accepted.
	algRS256 = "RS256"

	// maxTokenSize bounds the token length before any decoding.
	maxTokenSize = 8192
)

// RawClaims is the decoded, not yet validated, token payload.
type RawClaims map[string]any

// KeyProvider resolves signing keys by key id. *KeySetCache satisfies it.
type KeyProvider interface {
	GetKey(ctx context.Context, kid string) (*SigningKey, error)
}

var _ KeyProvider = (*KeySetCache)(nil)

// TokenVerifier checks the RS256 signature of compact JWS tokens. It does
// not look at time, issuer or audience claims; see [ClaimsValidator].
type TokenVerifier struct {
	keys   KeyProvider
	parser *jwt.Parser
}

// NewTokenVerifier returns a verifier resolving keys through keys.
func NewTokenVerifier(keys KeyProvider) *TokenVerifier {
	return &TokenVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{algRS256}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Verify checks token's shape, algorithm, key and signature and returns
// its payload. Errors carry one of [sserr.CodeTokenMalformed],
// [sserr.CodeTokenAlgorithm], [sserr.CodeTokenKeyNotFound] or
// [sserr.CodeTokenSignature].
func (v *TokenVerifier) Verify(ctx context.Context, token string) (RawClaims, error) {
	header, err := decodeHeader(token)
	if err != nil {
		return nil, err
	}

	// Exact match: "none", "HS256" (key confusion) and case variants are
	// all rejected here, before any key is touched.
	if header.Alg != algRS256 {
		return nil, sserr.New(sserr.CodeTokenAlgorithm, "auth: unsupported token signing algorithm").
			WithDetail("alg", header.Alg)
	}

	if header.Kid == "" {
		return nil, sserr.New(sserr.CodeTokenKeyNotFound, "auth: token header has no key id")
	}

	key, err := v.keys.GetKey(ctx, header.Kid)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeTokenKeyNotFound) {
			return nil, err
		}
		return nil, sserr.Wrapf(err, sserr.CodeTokenKeyNotFound, "auth: signing key %q not found", header.Kid)
	}

	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.Public, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	return RawClaims(claims), nil
}

// decodeHeader enforces the compact serialization shape: three base64url
// segments, the first two non-empty, with a JSON object header. An empty
// signature segment passes here so unsigned tokens are reported by their
// algorithm.
func decodeHeader(token string) (tokenHeader, error) {
	var h tokenHeader

	if token == "" {
		return h, sserr.New(sserr.CodeTokenMalformed, "auth: token must not be empty")
	}
	if len(token) > maxTokenSize {
		return h, sserr.New(sserr.CodeTokenMalformed, "auth: token exceeds maximum size")
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return h, sserr.New(sserr.CodeTokenMalformed, "auth: token must have three segments")
	}

	decoded := make([][]byte, 3)
	for i, seg := range segments {
		if seg == "" && i < 2 {
			return h, sserr.New(sserr.CodeTokenMalformed, "auth: token has an empty segment")
		}
		b, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			return h, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: token segment is not base64url")
		}
		decoded[i] = b
	}

	if err := json.Unmarshal(decoded[0], &h); err != nil {
		return h, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: token header is not a JSON object")
	}
	return h, nil
}

// classifyParseError maps golang-jwt errors after the header checks have
// passed. Anything the parser rejects past that point is either a bad
// payload encoding or a signature failure.
func classifyParseError(err error) *sserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeTokenSignature, "auth: token signature is invalid")
	default:
		return sserr.Wrap(err, sserr.CodeTokenSignature, "auth: token could not be verified")
	}
}
