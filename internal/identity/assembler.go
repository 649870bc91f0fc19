package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"gatekeeper/internal/identity/metrics"
	"gatekeeper/internal/platform/telemetry"
)

const tracerName = "gatekeeper/identity"

// SessionResolver looks up a first-party session from request headers.
// No session is (nil, nil, nil); an error means the backend could not answer.
type SessionResolver interface {
	Resolve(ctx context.Context, headers http.Header) (*User, *Session, error)
}

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, raw, issuer, audience string) (*Claims, error)
}

// RevocationChecker reports whether a session token was revoked locally.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Assembler builds the Identity for a request.
type Assembler struct {
	sessions    SessionResolver
	tokens      TokenVerifier
	revocations RevocationChecker
	issuer      string
	audience    string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithRevocationChecker discards sessions whose token has been revoked.
func WithRevocationChecker(rc RevocationChecker) Option {
	return func(a *Assembler) {
		a.revocations = rc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Assembler) {
		a.metrics = m
	}
}

// NewAssembler creates an Assembler. Either collaborator may be nil, which
// disables that trust mechanism.
func NewAssembler(sessions SessionResolver, tokens TokenVerifier, issuer, audience string, opts ...Option) *Assembler {
	a := &Assembler{
		sessions: sessions,
		tokens:   tokens,
		issuer:   issuer,
		audience: audience,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve never fails. A resolved session wins and the bearer token is not
// looked at; otherwise a valid bearer token yields claims; otherwise the
// caller is anonymous.
func (a *Assembler) Resolve(ctx context.Context, headers http.Header) Identity {
	id := a.resolve(ctx, headers)
	a.metrics.IncrementResolution(id.Kind().String())
	return id
}

func (a *Assembler) resolve(ctx context.Context, headers http.Header) Identity {
	if user, session := a.resolveSession(ctx, headers); session != nil {
		return FromSession(user, session)
	}
	if claims := a.verifyBearer(ctx, headers); claims != nil {
		return FromClaims(claims)
	}
	return Anonymous()
}

func (a *Assembler) resolveSession(ctx context.Context, headers http.Header) (*User, *Session) {
	if a.sessions == nil {
		return nil, nil
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.ResolveSession")
	defer span.End()

	user, session, err := a.sessions.Resolve(ctx, headers)
	if err != nil {
		telemetry.RecordError(span, err)
		a.logger.WarnContext(ctx, "session lookup failed, continuing without session", "error", err)
		return nil, nil
	}
	if user == nil || session == nil {
		return nil, nil
	}

	if a.revocations != nil && session.Token != "" {
		revoked, err := a.revocations.IsRevoked(ctx, session.Token)
		if err != nil {
			telemetry.RecordError(span, err)
			a.logger.WarnContext(ctx, "revocation check failed, discarding session",
				"session_id", session.ID,
				"error", err,
			)
			return nil, nil
		}
		if revoked {
			telemetry.AddEvent(span, "session.revoked", attribute.String(telemetry.AttrSessionID, session.ID.String()))
			a.logger.DebugContext(ctx, "discarding revoked session", "session_id", session.ID)
			return nil, nil
		}
	}

	span.SetAttributes(
		attribute.String(telemetry.AttrUserID, user.ID.String()),
		attribute.String(telemetry.AttrSessionID, session.ID.String()),
	)
	return user, session
}

func (a *Assembler) verifyBearer(ctx context.Context, headers http.Header) *Claims {
	if a.tokens == nil {
		return nil
	}
	raw, ok := BearerToken(headers)
	if !ok {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "identity.VerifyToken")
	defer span.End()

	claims, err := a.tokens.Verify(ctx, raw, a.issuer, a.audience)
	if err != nil {
		telemetry.RecordError(span, err)
		a.logger.DebugContext(ctx, "bearer token rejected", "error", err)
		return nil
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrUserID, claims.Subject),
		attribute.String(telemetry.AttrTokenKeyID, claims.KeyID),
	)
	return claims
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(headers http.Header) (string, bool) {
	authz := headers.Get("Authorization")
	scheme, raw, found := strings.Cut(authz, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}
