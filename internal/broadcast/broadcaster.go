package broadcast

import (
	"context"
	"log/slog"

	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
)

// Broadcaster publishes change events on the shared bus behind a Guard.
type Broadcaster struct {
	bus    events.Bus
	guard  *guard.Guard
	logger *slog.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(bus events.Bus, g *guard.Guard, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bus:    bus,
		guard:  g,
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Publish sends event to every server process. The returned error is for
// logging; the write that produced the event has already committed.
func (b *Broadcaster) Publish(ctx context.Context, event *events.ChangeEvent) error {
	err := b.guard.Do(ctx, "publish", func(ctx context.Context) error {
		return b.bus.Publish(ctx, event)
	})
	if err != nil {
		return err
	}

	b.logger.Debug("event published",
		slog.String("message_id", event.MessageID.String()),
		slog.String("event_type", string(event.Type)),
		slog.String("room", event.Room))
	return nil
}
