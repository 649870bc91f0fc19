// Package events publishes user and session lifecycle events to other services.
//
// Delivery is fire-and-forget: an Emitter buffers events in memory and hands
// them to a Publisher in the background, so a slow or unavailable bus never
// blocks a request.
package events

import (
	"context"
	"time"
)

const (
	UserCreated    = "user:created"
	SessionCreated = "session:created"
	SessionEvicted = "session:evicted"
	SessionRevoked = "session:revoked"
)

// DefaultChannel is the channel/topic all lifecycle events go to.
const DefaultChannel = "user-events"

// Event is the wire envelope: {"event": name, "payload": {...}}.
type Event struct {
	Name       string    `json:"event"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"-"`
}

// UserPayload is the payload of user events.
type UserPayload struct {
	UserID string `json:"userId"`
}

// SessionPayload is the payload of session events.
type SessionPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// Publisher delivers a single event to a bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Key returns the partitioning key so one user's events stay ordered.
func (p UserPayload) Key() string { return p.UserID }

func (p SessionPayload) Key() string { return p.UserID }

// KeyOf returns the partitioning key of an event's payload, if it has one.
func KeyOf(event Event) string {
	if k, ok := event.Payload.(interface{ Key() string }); ok {
		return k.Key()
	}
	return ""
}
