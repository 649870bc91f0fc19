package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "gatekeeper/test", "test.Op",
		attribute.String(AttrIdentityKind, "anonymous"),
	)
	defer span.End()

	assert.NotNil(t, ctx)
	// Must be safe on a non-recording span.
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	AddEvent(span, "test.event")
}
