package token_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/identity/keyset"
	"gatekeeper/internal/identity/token"
	"gatekeeper/pkg/testutil"
)

const (
	testIssuer   = "https://auth.example.test"
	testAudience = "https://auth.example.test"
)

type VerifierSuite struct {
	suite.Suite
	now    time.Time
	rsaKey *testutil.SigningKey
	edKey  *testutil.SigningKey
	jwks   *testutil.JWKSServer
	cache  *keyset.Cache
}

func TestVerifierSuite(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func (s *VerifierSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.rsaKey = testutil.NewRSAKey(s.T(), "rsa-1")
	s.edKey = testutil.NewEd25519Key(s.T(), "ed-1")
	s.jwks = testutil.NewJWKSServer(s.T(), s.rsaKey, s.edKey)
	s.cache = keyset.New(keyset.WithRefreshCooldown(0))
}

func (s *VerifierSuite) clock() time.Time { return s.now }

func (s *VerifierSuite) verifier(opts ...token.Option) *token.Verifier {
	opts = append([]token.Option{token.WithClock(s.clock)}, opts...)
	return token.NewVerifier(s.cache, s.jwks.URL, opts...)
}

func (s *VerifierSuite) claims(overrides map[string]any) jwt.MapClaims {
	c := jwt.MapClaims{
		"sub":  "user-123",
		"iss":  testIssuer,
		"aud":  testAudience,
		"iat":  s.now.Add(-time.Minute).Unix(),
		"exp":  s.now.Add(time.Hour).Unix(),
		"role": "admin",
	}
	for k, v := range overrides {
		if v == nil {
			delete(c, k)
			continue
		}
		c[k] = v
	}
	return c
}

func (s *VerifierSuite) TestValidTokens() {
	s.Run("RS256", func() {
		raw := s.rsaKey.Sign(s.T(), s.claims(nil))

		claims, err := s.verifier().Verify(context.Background(), raw, testIssuer, testAudience)
		s.Require().NoError(err)
		s.Equal("user-123", claims.Subject)
		s.Equal(testIssuer, claims.Issuer)
		s.Equal([]string{testAudience}, claims.Audience)
		s.Equal("rsa-1", claims.KeyID)
		s.Require().NotNil(claims.Role)
		s.Equal("admin", *claims.Role)
		s.Nil(claims.Banned)
		s.Equal(s.now.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	})

	s.Run("EdDSA with banned flag and audience list", func() {
		raw := s.edKey.Sign(s.T(), s.claims(map[string]any{
			"aud":    []string{"other", testAudience},
			"banned": true,
			"role":   nil,
		}))

		claims, err := s.verifier().Verify(context.Background(), raw, testIssuer, testAudience)
		s.Require().NoError(err)
		s.Equal("ed-1", claims.KeyID)
		s.Nil(claims.Role)
		s.Require().NotNil(claims.Banned)
		s.True(*claims.Banned)
	})
}

func (s *VerifierSuite) TestRejections() {
	forged := testutil.NewRSAKey(s.T(), "rsa-1")

	tests := []struct {
		name     string
		raw      func() string
		issuer   string
		audience string
		want     error
	}{
		{
			name: "expired",
			raw: func() string {
				return s.rsaKey.Sign(s.T(), s.claims(map[string]any{"exp": s.now.Add(-time.Second).Unix()}))
			},
			want: token.ErrExpired,
		},
		{
			name: "missing exp",
			raw: func() string {
				return s.rsaKey.Sign(s.T(), s.claims(map[string]any{"exp": nil}))
			},
			want: token.ErrMalformed,
		},
		{
			name:   "issuer mismatch",
			raw:    func() string { return s.rsaKey.Sign(s.T(), s.claims(nil)) },
			issuer: "https://evil.example.test",
			want:   token.ErrIssuerMismatch,
		},
		{
			name:     "audience mismatch",
			raw:      func() string { return s.rsaKey.Sign(s.T(), s.claims(nil)) },
			audience: "https://other-service.example.test",
			want:     token.ErrAudienceMismatch,
		},
		{
			name: "signed by unpublished key with a known kid",
			raw:  func() string { return forged.Sign(s.T(), s.claims(nil)) },
			want: token.ErrInvalidSignature,
		},
		{
			name: "tampered payload",
			raw: func() string {
				parts := strings.Split(s.rsaKey.Sign(s.T(), s.claims(nil)), ".")
				other := strings.Split(s.rsaKey.Sign(s.T(), s.claims(map[string]any{"role": "superuser"})), ".")
				return parts[0] + "." + other[1] + "." + parts[2]
			},
			want: token.ErrInvalidSignature,
		},
		{
			name: "unknown kid",
			raw:  func() string { return testutil.NewRSAKey(s.T(), "rsa-unknown").Sign(s.T(), s.claims(nil)) },
			want: token.ErrUnknownKeyID,
		},
		{
			name: "missing kid",
			raw: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodRS256, s.claims(nil))
				raw, err := tok.SignedString(s.rsaKey.Signer)
				s.Require().NoError(err)
				return raw
			},
			want: token.ErrMalformed,
		},
		{
			name: "symmetric algorithm",
			raw: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, s.claims(nil))
				tok.Header["kid"] = "rsa-1"
				raw, err := tok.SignedString([]byte("shared-secret"))
				s.Require().NoError(err)
				return raw
			},
			want: token.ErrInvalidSignature,
		},
		{
			name: "missing subject",
			raw:  func() string { return s.rsaKey.Sign(s.T(), s.claims(map[string]any{"sub": nil})) },
			want: token.ErrMalformed,
		},
		{
			name: "garbage",
			raw:  func() string { return "not-a-jwt" },
			want: token.ErrMalformed,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			issuer, audience := testIssuer, testAudience
			if tt.issuer != "" {
				issuer = tt.issuer
			}
			if tt.audience != "" {
				audience = tt.audience
			}

			claims, err := s.verifier().Verify(context.Background(), tt.raw(), issuer, audience)
			s.Nil(claims)
			s.Require().ErrorIs(err, tt.want)
		})
	}
}

func (s *VerifierSuite) TestKeySetUnavailable() {
	raw := s.rsaKey.Sign(s.T(), s.claims(nil))
	s.jwks.SetFailing(true)

	_, err := s.verifier().Verify(context.Background(), raw, testIssuer, testAudience)
	s.Require().ErrorIs(err, token.ErrKeySetUnavailable)
	s.Equal("keyset_unavailable", token.Reason(err))
}

func (s *VerifierSuite) TestKeyRotation() {
	v := s.verifier()
	_, err := v.Verify(context.Background(), s.rsaKey.Sign(s.T(), s.claims(nil)), testIssuer, testAudience)
	s.Require().NoError(err)

	rotated := testutil.NewRSAKey(s.T(), "rsa-2")
	s.jwks.SetKeys(rotated)

	claims, err := v.Verify(context.Background(), rotated.Sign(s.T(), s.claims(nil)), testIssuer, testAudience)
	s.Require().NoError(err)
	s.Equal("rsa-2", claims.KeyID)
	s.EqualValues(2, s.jwks.Fetches())
}

func (s *VerifierSuite) TestConcurrentColdVerificationsShareOneFetch() {
	v := s.verifier()
	raw := s.rsaKey.Sign(s.T(), s.claims(nil))
	release := s.jwks.Hold()

	const callers = 25
	var wg sync.WaitGroup
	var ok atomic.Int64
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(context.Background(), raw, testIssuer, testAudience); err == nil {
				ok.Add(1)
			}
		}()
	}

	s.Require().Eventually(func() bool { return s.jwks.Fetches() == 1 }, time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	s.EqualValues(callers, ok.Load())
	s.EqualValues(1, s.jwks.Fetches())
}

// countingKeys wraps a KeySource and counts lookups.
type countingKeys struct {
	inner token.KeySource
	calls atomic.Int64
}

func (c *countingKeys) Key(ctx context.Context, url, kid string) (jose.JSONWebKey, error) {
	c.calls.Add(1)
	return c.inner.Key(ctx, url, kid)
}

func TestVerifier_ClaimsCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	key := testutil.NewRSAKey(t, "k1")
	jwks := testutil.NewJWKSServer(t, key)
	keys := &countingKeys{inner: keyset.New()}

	v := token.NewVerifier(keys, jwks.URL,
		token.WithClock(clock),
		token.WithClaimsCache(16, time.Hour),
	)
	raw := key.Sign(t, jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"aud": testAudience,
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	_, err := v.Verify(context.Background(), raw, testIssuer, testAudience)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), raw, testIssuer, testAudience)
	require.NoError(t, err)
	assert.EqualValues(t, 1, keys.calls.Load(), "second verification should be served from cache")

	_, err = v.Verify(context.Background(), raw, "https://other-issuer.test", testAudience)
	require.ErrorIs(t, err, token.ErrIssuerMismatch, "cache entries are scoped to issuer and audience")

	now = now.Add(6 * time.Minute)
	_, err = v.Verify(context.Background(), raw, testIssuer, testAudience)
	require.ErrorIs(t, err, token.ErrExpired, "cache must not outlive the token")
}
