package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phrazzld/tandem-api/internal/cache"
	"github.com/phrazzld/tandem-api/internal/delivery"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/redact"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// DedupSize bounds the number of remembered message IDs.
	DedupSize int
	// Resubscribe governs reconnecting to the bus after a subscription drops.
	Resubscribe guard.RetryPolicy
	Clock       clock.Clock
}

// Relay receives every event from the bus and hands it to local delivery.
// Repeated message IDs are dropped, and local cache entries older than an
// incoming entity event are evicted.
type Relay struct {
	bus     events.Bus
	queue   *delivery.Queue
	cache   *cache.Layer
	seen    *lru.Cache[uuid.UUID, struct{}]
	cfg     RelayConfig
	metrics metrics.Recorder
	logger  *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRelay creates a relay. cacheLayer may be nil.
func NewRelay(
	bus events.Bus,
	queue *delivery.Queue,
	cacheLayer *cache.Layer,
	cfg RelayConfig,
	recorder metrics.Recorder,
	logger *slog.Logger,
) (*Relay, error) {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Resubscribe.MaxAttempts <= 0 {
		cfg.Resubscribe = guard.RetryPolicy{
			MaxAttempts: 10,
			Backoff:     guard.WithJitter(guard.ExponentialBackoff(100*time.Millisecond, 10*time.Second), 0.2),
		}
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen, err := lru.New[uuid.UUID, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, err
	}

	return &Relay{
		bus:     bus,
		queue:   queue,
		cache:   cacheLayer,
		seen:    seen,
		cfg:     cfg,
		metrics: recorder,
		logger:  logger.With(slog.String("component", "relay")),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the first bus subscription is active.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run consumes the bus until ctx is done, resubscribing when the
// subscription drops. It returns nil on cancellation and an error when the
// bus cannot be resubscribed.
func (r *Relay) Run(ctx context.Context) error {
	for {
		var sub events.Subscription
		err := guard.Retry(ctx, r.cfg.Clock, r.cfg.Resubscribe, func(ctx context.Context) error {
			var err error
			sub, err = r.bus.Subscribe(ctx)
			if errors.Is(err, events.ErrBusClosed) {
				return guard.Permanent(err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("relay cannot subscribe to bus", slog.String("error", redact.Error(err)))
			return err
		}
		r.readyOnce.Do(func() { close(r.ready) })

		r.consume(ctx, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			return nil
		}
		r.metrics.Error("relay", "subscription_lost")
		r.logger.Warn("bus subscription ended, resubscribing")
	}
}

func (r *Relay) consume(ctx context.Context, sub events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle processes one event received from the bus.
func (r *Relay) Handle(ev *events.ChangeEvent) {
	if err := ev.Validate(); err != nil {
		r.metrics.Error("relay", "invalid_event")
		r.logger.Warn("dropping invalid event", slog.String("error", err.Error()))
		return
	}

	if seen, _ := r.seen.ContainsOrAdd(ev.MessageID, struct{}{}); seen {
		r.metrics.Error("relay", "duplicate")
		r.logger.Debug("dropping duplicate event", slog.String("message_id", ev.MessageID.String()))
		return
	}

	if r.cache != nil && ev.EntityID != uuid.Nil && ev.Version > 0 {
		r.cache.EvictStale(ev.EntityID, ev.Version)
	}

	if err := r.queue.Enqueue(ev); err != nil {
		reason := "queue_full"
		if errors.Is(err, delivery.ErrQueueClosed) {
			reason = "queue_closed"
		}
		r.metrics.Error("relay", reason)
		r.logger.Warn("event dropped before delivery",
			slog.String("message_id", ev.MessageID.String()),
			slog.String("reason", reason))
	}
}
