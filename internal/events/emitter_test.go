package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gatekeeper/internal/events"
)

type fakePublisher struct {
	mu       sync.Mutex
	events   []events.Event
	failWith error
	block    chan struct{}
	closed   bool
}

func (p *fakePublisher) Publish(ctx context.Context, event events.Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

func TestEmitter_PublishesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := &fakePublisher{}
	e := events.NewEmitter(pub, slog.New(slog.DiscardHandler))

	e.Emit(context.Background(), events.UserCreated, events.UserPayload{UserID: "u1"})
	e.Emit(context.Background(), events.SessionCreated, events.SessionPayload{UserID: "u1", SessionID: "s1"})

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, []string{events.UserCreated, events.SessionCreated}, pub.names())
	assert.True(t, pub.closed)

	published, failed, dropped := e.Stats()
	assert.EqualValues(t, 2, published)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestEmitter_EmitNeverBlocksOnSlowBus(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := &fakePublisher{block: make(chan struct{})}
	e := events.NewEmitter(pub, slog.New(slog.DiscardHandler), events.WithBufferSize(2))

	done := make(chan struct{})
	go func() {
		for range 10 {
			e.Emit(context.Background(), events.SessionRevoked, events.SessionPayload{UserID: "u1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a stalled publisher")
	}

	close(pub.block)
	require.NoError(t, e.Close(context.Background()))
	_, _, dropped := e.Stats()
	assert.Positive(t, dropped)
}

func TestEmitter_PublishFailuresAreCounted(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := &fakePublisher{failWith: errors.New("bus down")}
	e := events.NewEmitter(pub, slog.New(slog.DiscardHandler))
	e.Emit(context.Background(), events.SessionEvicted, events.SessionPayload{UserID: "u1"})
	require.NoError(t, e.Close(context.Background()))

	_, failed, _ := e.Stats()
	assert.EqualValues(t, 1, failed)
}

func TestEmitter_CloseRespectsContext(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	e := events.NewEmitter(pub, slog.New(slog.DiscardHandler), events.WithPublishTimeout(time.Second))
	e.Emit(context.Background(), events.SessionCreated, events.SessionPayload{UserID: "u1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Unblock the worker so it exits.
	close(pub.block)
}

func TestEmitter_EmitAfterCloseIsDiscarded(t *testing.T) {
	pub := &fakePublisher{}
	e := events.NewEmitter(pub, slog.New(slog.DiscardHandler))
	require.NoError(t, e.Close(context.Background()))

	e.Emit(context.Background(), events.UserCreated, events.UserPayload{UserID: "u1"})
	assert.Empty(t, pub.names())
	require.NoError(t, e.Close(context.Background()), "second close is a no-op")

	_, _, dropped := e.Stats()
	assert.EqualValues(t, 1, dropped)
}

func TestEmitter_EmitRacingCloseIsAccountedFor(t *testing.T) {
	defer goleak.VerifyNone(t)

	const emitters, perEmitter = 8, 200
	for range 20 {
		pub := &fakePublisher{}
		e := events.NewEmitter(pub, slog.New(slog.DiscardHandler), events.WithBufferSize(emitters*perEmitter))

		start := make(chan struct{})
		var wg sync.WaitGroup
		for range emitters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for range perEmitter {
					e.Emit(context.Background(), events.SessionCreated, events.SessionPayload{UserID: "u1"})
				}
			}()
		}
		close(start)
		require.NoError(t, e.Close(context.Background()))
		wg.Wait()

		published, failed, dropped := e.Stats()
		assert.Zero(t, failed)
		assert.EqualValues(t, len(pub.names()), published)
		assert.EqualValues(t, emitters*perEmitter, published+dropped, "every event is published or counted as dropped")
	}
}

func TestEvent_WireFormat(t *testing.T) {
	data, err := json.Marshal(events.Event{
		Name:       events.SessionEvicted,
		Payload:    events.SessionPayload{UserID: "u1", SessionID: "s1", Reason: "evicted"},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"session:evicted","payload":{"userId":"u1","sessionId":"s1","reason":"evicted"}}`,
		string(data))
}
