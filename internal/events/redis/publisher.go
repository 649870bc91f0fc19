// Package redis publishes events over Redis Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/events"
)

// Publisher sends each event as a JSON message on a Pub/Sub channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithChannel(channel string) Option {
	return func(p *Publisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

func New(client *redis.Client, opts ...Option) *Publisher {
	p := &Publisher{client: client, channel: events.DefaultChannel}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Name, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Name, err)
	}
	return nil
}

// Close is a no-op; the client lifecycle is managed externally.
func (p *Publisher) Close() error { return nil }
