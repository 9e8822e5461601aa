package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
	goredis "github.com/redis/go-redis/v9"
)

// Bus implements events.Bus with Redis PUBLISH/SUBSCRIBE on one channel.
// Redis pub/sub is fire-and-forget: subscribers that are disconnected when an
// event is published never see it.
type Bus struct {
	client  goredis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[*busSubscription]struct{}
	closed bool
}

var _ events.Bus = (*Bus)(nil)

// NewBus creates a bus publishing on channel. Subscriptions buffer up to
// buffer decoded events.
func NewBus(client goredis.UniversalClient, channel string, buffer int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:  client,
		channel: channel,
		buffer:  buffer,
		logger:  logger.With(slog.String("component", "redis_bus"), slog.String("channel", channel)),
		subs:    make(map[*busSubscription]struct{}),
	}
}

// Publish encodes the event as JSON and publishes it.
func (b *Bus) Publish(ctx context.Context, event *events.ChangeEvent) error {
	if err := event.Validate(); err != nil {
		return guard.Permanent(err)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return guard.Permanent(events.ErrBusClosed)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return guard.Permanent(fmt.Errorf("failed to encode event: %w", err))
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: failed to publish event: %w", guard.ErrConnection, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and waits for its confirmation, so
// events published after Subscribe returns are received.
func (b *Bus) Subscribe(ctx context.Context) (events.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, events.ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: failed to subscribe: %w", guard.ErrConnection, err)
	}

	sub := &busSubscription{
		bus:    b,
		ps:     ps,
		events: make(chan *events.ChangeEvent, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, events.ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.wg.Add(1)
	go sub.pump(ctx)

	return sub, nil
}

// Close ends every subscription. The client is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type busSubscription struct {
	bus    *Bus
	ps     *goredis.PubSub
	events chan *events.ChangeEvent
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	err    error
}

func (s *busSubscription) Events() <-chan *events.ChangeEvent {
	return s.events
}

func (s *busSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
		s.wg.Wait()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return s.err
}

// pump decodes messages until the subscription or ctx ends. Undecodable
// messages are logged and skipped.
func (s *busSubscription) pump(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			go func() { _ = s.Close() }()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev events.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.bus.logger.Warn("dropping undecodable event",
					slog.String("error", err.Error()))
				continue
			}
			select {
			case s.events <- &ev:
			case <-s.done:
				return
			case <-ctx.Done():
				go func() { _ = s.Close() }()
				return
			}
		}
	}
}
