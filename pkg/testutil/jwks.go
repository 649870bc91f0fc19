package testutil

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// SigningKey is a private key with the metadata needed to publish it in a JWKS.
type SigningKey struct {
	KeyID  string
	Method jwt.SigningMethod
	Signer crypto.Signer
}

// NewRSAKey generates an RS256 signing key.
func NewRSAKey(t *testing.T, kid string) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{KeyID: kid, Method: jwt.SigningMethodRS256, Signer: priv}
}

// NewEd25519Key generates an EdDSA signing key.
func NewEd25519Key(t *testing.T, kid string) *SigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &SigningKey{KeyID: kid, Method: jwt.SigningMethodEdDSA, Signer: priv}
}

// JWK returns the public half as a JSON Web Key.
func (k *SigningKey) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Signer.Public(),
		KeyID:     k.KeyID,
		Algorithm: k.Method.Alg(),
		Use:       "sig",
	}
}

// Sign signs claims with this key and stamps the kid header.
func (k *SigningKey) Sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(k.Method, claims)
	tok.Header["kid"] = k.KeyID
	signed, err := tok.SignedString(k.Signer)
	require.NoError(t, err)
	return signed
}

// JWKSServer serves a mutable key set and counts fetches.
type JWKSServer struct {
	*httptest.Server

	mu      sync.Mutex
	keys    []jose.JSONWebKey
	gate    chan struct{}
	fetches atomic.Int64
	failing atomic.Bool
}

// NewJWKSServer starts a JWKS endpoint publishing keys. It is closed on test cleanup.
func NewJWKSServer(t *testing.T, keys ...*SigningKey) *JWKSServer {
	t.Helper()
	s := &JWKSServer{}
	s.SetKeys(keys...)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *JWKSServer) serve(w http.ResponseWriter, r *http.Request) {
	s.fetches.Add(1)
	s.mu.Lock()
	gate := s.gate
	set := jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), s.keys...)}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if s.failing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// SetKeys replaces the published keys (simulates rotation).
func (s *JWKSServer) SetKeys(keys ...*SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = s.keys[:0]
	for _, k := range keys {
		s.keys = append(s.keys, k.JWK())
	}
}

// Hold makes subsequent fetches block until the returned release func is called.
func (s *JWKSServer) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetFailing makes the endpoint answer 503.
func (s *JWKSServer) SetFailing(failing bool) {
	s.failing.Store(failing)
}

// Fetches returns how many requests the endpoint has served.
func (s *JWKSServer) Fetches() int64 {
	return s.fetches.Load()
}
