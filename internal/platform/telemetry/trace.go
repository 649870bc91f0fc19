// Package telemetry wraps the OpenTelemetry global tracer with the span
// helpers used across the identity pipeline. Without an installed provider
// the global tracer is a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the named tracer.
//
//	ctx, span := telemetry.StartSpan(ctx, "gatekeeper/identity", "identity.ResolveSession",
//	    attribute.String(telemetry.AttrIdentityKind, "session"),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

const (
	AttrIdentityKind  = "identity.kind"
	AttrUserID        = "identity.user_id"
	AttrSessionID     = "identity.session_id"
	AttrTokenKeyID    = "token.kid"
	AttrTokenFailure  = "token.failure"
	AttrKeySetURL     = "keyset.url"
	AttrGuardReason   = "authz.reason"
	AttrSessionAction = "sessions.action"
)
