// Package bus hands accepted ingress events to the routing dispatcher.
package bus

import (
	"log/slog"
	"sync"

	"atlas/internal/domain"
	"atlas/internal/metrics"
)

// InMemoryBus is a buffered channel between the ingress server and the
// dispatcher.
type InMemoryBus struct {
	events chan domain.MessageEvent
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New creates a bus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		events: make(chan domain.MessageEvent, bufferSize),
		logger: logger,
	}
}

// Publish never blocks. When the buffer is full or the bus is closed the
// event is dropped and Publish returns false; the message then stays
// unprocessed in the store.
func (b *InMemoryBus) Publish(ev domain.MessageEvent) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "message_id", ev.Record.ID)
		return false
	}

	select {
	case b.events <- ev:
		return true
	default:
		metrics.EventsDropped.Inc()
		b.logger.Error("event dropped: bus full",
			"channel_id", ev.Record.ChannelID,
			"message_id", ev.Record.ID,
			"buffer", cap(b.events),
		)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.MessageEvent {
	return b.events
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

var _ domain.EventBus = (*InMemoryBus)(nil)
