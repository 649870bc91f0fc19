package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gatekeeper/pkg/requestcontext"
)

const (
	defaultBufferSize     = 1024
	defaultBatchSize      = 64
	defaultPublishTimeout = 5 * time.Second
)

// Emitter queues events and publishes them from a single background worker.
// Emit never blocks on the bus and never fails; delivery errors are logged.
type Emitter struct {
	publisher      Publisher
	buffer         *RingBuffer
	logger         *slog.Logger
	publishTimeout time.Duration

	notify    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	published atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64

	// mu orders Emit against Close: every event enqueued under the read lock
	// is in the buffer before the worker's final drain.
	mu     sync.RWMutex
	closed bool
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

func WithBufferSize(n int) EmitterOption {
	return func(e *Emitter) {
		e.buffer = NewRingBuffer(n)
	}
}

func WithPublishTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// NewEmitter starts the background worker. Call Close to flush and stop it.
func NewEmitter(publisher Publisher, logger *slog.Logger, opts ...EmitterOption) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		publisher:      publisher,
		buffer:         NewRingBuffer(defaultBufferSize),
		logger:         logger,
		publishTimeout: defaultPublishTimeout,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues an event. Events emitted after Close are discarded and counted
// as dropped.
func (e *Emitter) Emit(ctx context.Context, name string, payload any) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.discarded.Add(1)
		e.logger.WarnContext(ctx, "event emitted after shutdown, discarding", "event", name)
		return
	}
	if dropped := e.buffer.Enqueue(Event{Name: name, Payload: payload, OccurredAt: requestcontext.Now(ctx)}); dropped {
		e.logger.WarnContext(ctx, "event buffer full, dropped oldest event", "dropped_total", e.buffer.Dropped())
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting events, publishes what is buffered, and closes the
// publisher. It gives up waiting when ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)

		flushed := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			err = ctx.Err()
			e.logger.Warn("event flush interrupted", "pending", e.buffer.Len())
		}
		if cerr := e.publisher.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Stats returns delivery counters. Dropped covers events evicted from a full
// buffer and events emitted after Close.
func (e *Emitter) Stats() (published, failed, dropped int64) {
	return e.published.Load(), e.failed.Load(), e.buffer.Dropped() + e.discarded.Load()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.notify:
			e.drain()
		case <-e.done:
			e.drain()
			return
		}
	}
}

func (e *Emitter) drain() {
	for {
		batch := e.buffer.DequeueBatch(defaultBatchSize)
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			e.publish(event)
		}
	}
}

func (e *Emitter) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.failed.Add(1)
		e.logger.Warn("failed to publish event", "event", event.Name, "error", err)
		return
	}
	e.published.Add(1)
}
