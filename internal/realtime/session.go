package realtime

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/tandem-api/internal/service/auth"
)

// Session is one authenticated websocket connection on this process.
// Room membership is owned by the Hub; the Session keeps a copy for cleanup.
type Session struct {
	ClientID string
	Identity auth.Identity

	conn    *websocket.Conn
	send    chan []byte
	limiter *SlidingWindow
	clk     clock.Clock
	logger  *slog.Logger

	mu            sync.Mutex
	state         State
	rooms         map[string]struct{}
	lastHeartbeat time.Time

	stopOnce  sync.Once
	stopCh    chan struct{}
	closeCode int
	closeText string
}

func newSession(conn *websocket.Conn, queueSize int, limiter *SlidingWindow, clk clock.Clock, logger *slog.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	id := uuid.NewString()
	return &Session{
		ClientID:      id,
		conn:          conn,
		send:          make(chan []byte, queueSize),
		limiter:       limiter,
		clk:           clk,
		logger:        logger.With("client_id", id),
		state:         StateConnecting,
		rooms:         make(map[string]struct{}),
		lastHeartbeat: clk.Now(),
		stopCh:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	s.logger.Debug("session state change", "from", s.state.String(), "to", to.String())
	s.state = to
	return nil
}

// Rooms returns the session's rooms in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the session is subscribed to room.
func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// LastHeartbeat returns when the client last proved it was alive.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) touch() {
	now := s.clk.Now()
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// enqueue hands a frame to the write pump without blocking.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.stopCh:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	case <-s.stopCh:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// stop asks the write pump to send a close frame with code (0 for none) and
// hang up. Only the first call has an effect.
func (s *Session) stop(code int, text string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeText = text
		s.mu.Unlock()
		close(s.stopCh)
	})
}

// Done is closed once the session starts shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}
