package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// retryParallelism caps how many slow sockets are retried at once per event.
const retryParallelism = 16

// HubConfig configures per-socket delivery.
type HubConfig struct {
	// Policy retries a socket whose send queue is full. Its Retryable is
	// replaced so that only ErrSendQueueFull is retried.
	Policy guard.RetryPolicy
	Clock  clock.Clock
}

// Hub tracks the sessions connected to this process and their rooms.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session

	policy  guard.RetryPolicy
	clk     clock.Clock
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig, recorder metrics.Recorder, logger *slog.Logger) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.Policy
	policy.Retryable = func(err error) bool { return errors.Is(err, ErrSendQueueFull) }

	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		policy:   policy,
		clk:      cfg.Clock,
		metrics:  recorder,
		logger:   logger.With("component", "hub"),
	}
}

// Register adds a session. Registering the same client ID twice replaces nothing
// and returns false.
func (h *Hub) Register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[s.ClientID]; exists {
		return false
	}
	h.sessions[s.ClientID] = s
	return true
}

// Unregister removes a session from the hub and from every room it joined,
// returning those rooms.
func (h *Hub) Unregister(s *Session) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ClientID] != s {
		return nil
	}
	delete(h.sessions, s.ClientID)

	s.mu.Lock()
	left := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		h.removeMemberLocked(room, s.ClientID)
		left = append(left, room)
	}
	s.rooms = make(map[string]struct{})
	s.mu.Unlock()

	return left
}

// Join subscribes a registered session to room. It returns false when the
// session is not registered.
func (h *Hub) Join(s *Session, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.ClientID] != s {
		return false
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[s.ClientID] = s

	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	return true
}

// Leave unsubscribes a session from room and reports whether it was a member.
func (h *Hub) Leave(s *Session, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.mu.Lock()
	_, member := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()

	if member {
		h.removeMemberLocked(room, s.ClientID)
	}
	return member
}

func (h *Hub) removeMemberLocked(room, clientID string) {
	members := h.rooms[room]
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Members returns a snapshot of the sessions in room.
func (h *Hub) Members(room string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]*Session, 0, len(h.rooms[room]))
	for _, s := range h.rooms[room] {
		members = append(members, s)
	}
	return members
}

// Sessions returns a snapshot of every registered session.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Deliver fans ev out to every local session in ev.Room except the origin
// client. A slow socket is retried under the hub's policy without holding up
// the others; sockets that close mid-delivery are skipped. The returned error
// only reports how many sockets could not be reached.
func (h *Hub) Deliver(ctx context.Context, ev *events.ChangeEvent) error {
	frame, err := json.Marshal(ev.Envelope())
	if err != nil {
		h.metrics.Error("delivery", "encode")
		return guard.Permanent(fmt.Errorf("failed to encode %s envelope: %w", ev.Type, err))
	}

	h.metrics.DeliveryLatency(h.clk.Since(ev.Timestamp))

	var (
		targets int
		slow    []*Session
	)
	for _, s := range h.Members(ev.Room) {
		if ev.OriginClientID != "" && s.ClientID == ev.OriginClientID {
			continue
		}
		targets++

		switch err := s.enqueue(frame); {
		case err == nil:
			h.metrics.MessageSent(string(ev.Type))
		case errors.Is(err, ErrSendQueueFull):
			slow = append(slow, s)
		}
	}

	if len(slow) == 0 {
		return nil
	}

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(retryParallelism)
	for _, s := range slow {
		g.Go(func() error {
			err := guard.Retry(ctx, h.clk, h.policy, func(context.Context) error {
				return s.enqueue(frame)
			})
			switch {
			case err == nil:
				h.metrics.MessageSent(string(ev.Type))
			case errors.Is(err, ErrSessionClosed):
				// The client left; nothing to deliver.
			default:
				failed.Add(1)
				h.metrics.Error("delivery", deliveryReason(err))
				h.logger.Warn("dropping event for slow socket",
					"client_id", s.ClientID,
					"message_id", ev.MessageID,
					"room", ev.Room,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d of %d sockets in %s", ErrDeliveryFailed, n, targets, ev.Room)
	}
	return nil
}

func deliveryReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, guard.ErrRetriesExhausted):
		return "retries_exhausted"
	}
	return "send_failed"
}
