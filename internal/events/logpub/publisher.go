// Package logpub is an event publisher that only writes events to the log.
// It is the default when no bus is configured.
package logpub

import (
	"context"
	"log/slog"

	"gatekeeper/internal/events"
)

type Publisher struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	p.logger.InfoContext(ctx, "event",
		"event", event.Name,
		"payload", event.Payload,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

func (p *Publisher) Close() error { return nil }
