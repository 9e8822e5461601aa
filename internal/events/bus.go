package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Bus carries change events between server processes. Every subscriber on
// every process receives every published event; filtering by room happens
// after receipt.
type Bus interface {
	// Publish sends the event to all current subscribers.
	Publish(ctx context.Context, event *ChangeEvent) error

	// Subscribe registers a new subscriber. The subscription stops receiving
	// when it is closed, when ctx is cancelled, or when the bus is closed.
	Subscribe(ctx context.Context) (Subscription, error)

	// Close releases the bus and all of its subscriptions.
	Close() error
}

// Subscription is one subscriber's view of a Bus.
type Subscription interface {
	// Events returns the channel events arrive on. It is closed when the
	// subscription ends.
	Events() <-chan *ChangeEvent

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}

// MemoryBus is a Bus that only reaches subscribers in the same process.
// It backs single-node deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	buffer int
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus whose subscriptions buffer up to buffer events.
func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
		logger: logger.With("component", "memory_bus"),
	}
}

// Publish delivers a copy of the event to every subscriber. It blocks while a
// subscriber's buffer is full, until ctx is done or that subscription closes.
func (b *MemoryBus) Publish(ctx context.Context, event *ChangeEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	if len(b.subs) == 0 {
		b.logger.Debug("no subscribers for event",
			"message_id", event.MessageID,
			"event_type", event.Type)
		return nil
	}

	for sub := range b.subs {
		cp := *event
		select {
		case sub.events <- &cp:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:    b,
		events: make(chan *ChangeEvent, b.buffer),
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	b.logger.Debug("registered subscriber", "subscriber_count", len(b.subs))

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Close ends every subscription. Later publishes fail with ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	bus    *MemoryBus
	events chan *ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan *ChangeEvent {
	return s.events
}

// Close unblocks any publisher waiting on this subscription before taking the
// bus lock, so the events channel is closed only once no publisher can send.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}
