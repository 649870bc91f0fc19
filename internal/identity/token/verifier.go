// Package token verifies bearer JWTs against a remote key set.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/identity/keyset"
	"gatekeeper/internal/identity/metrics"
)

var (
	ErrMalformed         = errors.New("token malformed")
	ErrInvalidSignature  = errors.New("token signature invalid")
	ErrUnknownKeyID      = errors.New("token key id unknown")
	ErrIssuerMismatch    = errors.New("token issuer mismatch")
	ErrAudienceMismatch  = errors.New("token audience mismatch")
	ErrExpired           = errors.New("token expired")
	ErrNotYetValid       = errors.New("token not yet valid")
	ErrKeySetUnavailable = errors.New("token key set unavailable")
)

// SupportedAlgorithms are the asymmetric algorithms accepted in the alg header.
var SupportedAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "EdDSA"}

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = time.Minute
)

// KeySource resolves a verification key by key ID.
type KeySource interface {
	Key(ctx context.Context, url, kid string) (jose.JSONWebKey, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role   *string `json:"role,omitempty"`
	Banned *bool   `json:"banned,omitempty"`
	Email  string  `json:"email,omitempty"`
	Name   string  `json:"name,omitempty"`
}

// Verifier checks signature, issuer, audience and expiry of bearer tokens.
type Verifier struct {
	keys    KeySource
	jwksURL string
	now     func() time.Time
	leeway  time.Duration
	cache   *expirable.LRU[string, identity.Claims]
	metrics *metrics.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLeeway tolerates clock skew on exp/nbf/iat checks.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClaimsCache caches verified claims keyed by a digest of the raw token.
// A cached entry is never served past the token's own expiry.
func WithClaimsCache(size int, ttl time.Duration) Option {
	return func(v *Verifier) {
		if size <= 0 {
			v.cache = nil
			return
		}
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		v.cache = expirable.NewLRU[string, identity.Claims](size, nil, ttl)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// NewVerifier creates a Verifier that resolves keys from jwksURL through keys.
func NewVerifier(keys KeySource, jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		keys:    keys,
		jwksURL: jwksURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the claims of raw when it is signed by a published key, was
// issued by issuer for audience, and has not expired. Every failure is one of
// the package's Err values.
func (v *Verifier) Verify(ctx context.Context, raw, issuer, audience string) (*identity.Claims, error) {
	cacheKey := v.cacheKey(raw, issuer, audience)
	if claims, ok := v.cached(cacheKey); ok {
		return &claims, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(SupportedAlgorithms),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.leeway),
	)

	var parsed tokenClaims
	var kid string
	_, err := parser.ParseWithClaims(raw, &parsed, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrMalformed)
		}
		key, err := v.keys.Key(ctx, v.jwksURL, kid)
		if err != nil {
			return nil, err
		}
		if key.Use != "" && key.Use != "sig" {
			return nil, fmt.Errorf("%w: key %q is not a signing key", ErrInvalidSignature, kid)
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("%w: key %q is for %s, token uses %s", ErrInvalidSignature, kid, key.Algorithm, t.Method.Alg())
		}
		return key.Key, nil
	})
	if err != nil {
		mapped := classify(err)
		v.metrics.IncrementTokenFailure(reason(mapped))
		return nil, fmt.Errorf("%w: %w", mapped, err)
	}

	if parsed.Subject == "" {
		v.metrics.IncrementTokenFailure(reason(ErrMalformed))
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformed)
	}

	claims := toClaims(&parsed, kid)
	v.store(cacheKey, claims)
	return &claims, nil
}

func (v *Verifier) cacheKey(raw, issuer, audience string) string {
	if v.cache == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]) + "|" + issuer + "|" + audience
}

func (v *Verifier) cached(key string) (identity.Claims, bool) {
	if v.cache == nil {
		return identity.Claims{}, false
	}
	claims, ok := v.cache.Get(key)
	if !ok {
		return identity.Claims{}, false
	}
	if !v.now().Before(claims.ExpiresAt.Add(v.leeway)) {
		v.cache.Remove(key)
		return identity.Claims{}, false
	}
	return claims, true
}

func (v *Verifier) store(key string, claims identity.Claims) {
	if v.cache != nil {
		v.cache.Add(key, claims)
	}
}

// classify maps parser and key lookup failures onto the package errors.
// Key lookup failures are checked first since the parser wraps them.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrMalformed):
		return ErrMalformed
	case errors.Is(err, ErrInvalidSignature):
		return ErrInvalidSignature
	case errors.Is(err, keyset.ErrKeyNotFound):
		return ErrUnknownKeyID
	case errors.Is(err, keyset.ErrKeySetUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ErrKeySetUnavailable
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	default:
		return ErrMalformed
	}
}

// reason is the metrics label for a classified error.
func reason(err error) string {
	switch err {
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrUnknownKeyID:
		return "unknown_kid"
	case ErrIssuerMismatch:
		return "issuer_mismatch"
	case ErrAudienceMismatch:
		return "audience_mismatch"
	case ErrExpired:
		return "expired"
	case ErrNotYetValid:
		return "not_yet_valid"
	case ErrKeySetUnavailable:
		return "keyset_unavailable"
	default:
		return "malformed"
	}
}

// Reason returns the metrics/log label for a Verify error.
func Reason(err error) string {
	for _, known := range []error{
		ErrInvalidSignature, ErrUnknownKeyID, ErrIssuerMismatch, ErrAudienceMismatch,
		ErrExpired, ErrNotYetValid, ErrKeySetUnavailable,
	} {
		if errors.Is(err, known) {
			return reason(known)
		}
	}
	return reason(ErrMalformed)
}

func toClaims(c *tokenClaims, kid string) identity.Claims {
	claims := identity.Claims{
		Subject:  c.Subject,
		Role:     c.Role,
		Banned:   c.Banned,
		Issuer:   c.Issuer,
		Audience: []string(c.Audience),
		KeyID:    kid,
		Email:    c.Email,
		Name:     c.Name,
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	return claims
}
