// Package events provides the bounded lifecycle event stream the UI
// collaborator consumes. Backpressure policy: advisory events (deltas,
// progress) are dropped oldest-first when the buffer is full; terminal
// events block the producer briefly so a subscriber never misses the
// end of a request.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/telemetry"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 256

// terminalWait is how long Emit blocks trying to deliver a terminal
// event to a slow subscriber before giving up.
const terminalWait = time.Second

// Bus fans lifecycle events out to subscribers. Safe for concurrent
// use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	size   int
	closed bool
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]chan domain.Event),
		size:   DefaultBufferSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer. The returned cancel func must be
// called when the consumer is done; the channel is closed by it or by
// Close.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan domain.Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, b.size)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit publishes an event to every subscriber. Per-session ordering is
// preserved because Emit holds the lock for the whole fan-out.
func (b *Bus) Emit(e domain.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}

		if e.Type.Terminal() {
			// Block briefly: losing message_stop or error would leave
			// the UI spinning forever.
			t := time.NewTimer(terminalWait)
			select {
			case ch <- e:
				t.Stop()
				continue
			case <-t.C:
				b.logger.Warn("subscriber too slow for terminal event",
					slog.String("type", string(e.Type)))
			}
		}

		// Drop the oldest buffered event to make room.
		select {
		case <-ch:
			telemetry.EventsDropped.Inc()
		default:
		}
		select {
		case ch <- e:
		default:
			telemetry.EventsDropped.Inc()
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
