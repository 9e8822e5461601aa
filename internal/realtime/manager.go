package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/metrics"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"golang.org/x/time/rate"
)

const (
	defaultAuthTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultHeartbeat       = 30 * time.Second
	defaultRateLimit       = 100
	defaultRateWindow      = time.Minute
	publishTimeout         = 5 * time.Second
	lookupTimeout          = 5 * time.Second
)

// Publisher sends events to every server process.
type Publisher interface {
	Publish(ctx context.Context, event *events.ChangeEvent) error
}

// EntityReader looks up an entity so entity-room subscriptions can be
// limited to its team.
type EntityReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Entity, error)
}

// Config controls admission, heartbeats and per-connection limits.
type Config struct {
	MaxConnections int
	// HandshakesPerSecond limits new connections per second; 0 disables it.
	HandshakesPerSecond float64
	HeartbeatInterval   time.Duration
	RateLimitMessages   int
	RateLimitWindow     time.Duration
	SendQueueSize       int
	AuthTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxMessageBytes     int64
	// AllowedOrigins lists accepted Origin hosts. Empty accepts any origin.
	AllowedOrigins []string
	// Entities enables team-membership checks on entity-room subscribe.
	// Nil admits any authenticated user to well-formed entity rooms.
	Entities EntityReader
	Clock    clock.Clock
}

// ConfigFromSettings converts loaded application settings.
func ConfigFromSettings(cfg config.RealtimeConfig) Config {
	return Config{
		MaxConnections:      cfg.MaxConnections,
		HandshakesPerSecond: cfg.HandshakesPerSecond,
		HeartbeatInterval:   time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		RateLimitMessages:   cfg.RateLimitMessages,
		RateLimitWindow:     time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		SendQueueSize:       cfg.SendQueueSize,
		AllowedOrigins:      cfg.AllowedOrigins,
	}
}

// Manager accepts websocket connections and runs their lifecycle.
type Manager struct {
	cfg        Config
	hub        *Hub
	auth       auth.Authenticator
	publisher  Publisher
	metrics    metrics.Recorder
	logger     *slog.Logger
	clk        clock.Clock
	upgrader   websocket.Upgrader
	handshakes *rate.Limiter

	active  atomic.Int64
	closing atomic.Bool
	wg      sync.WaitGroup

	// mu orders registration against Shutdown. pending holds sockets that
	// are admitted but not yet in the hub.
	mu      sync.Mutex
	pending map[*websocket.Conn]struct{}
}

// NewManager creates a Manager that registers sessions in hub.
func NewManager(
	cfg Config,
	hub *Hub,
	authenticator auth.Authenticator,
	publisher Publisher,
	recorder metrics.Recorder,
	log *slog.Logger,
) *Manager {
	if hub == nil || authenticator == nil || publisher == nil {
		panic("realtime: hub, authenticator and publisher are required")
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.RateLimitMessages <= 0 {
		cfg.RateLimitMessages = defaultRateLimit
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateWindow
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1
	}

	m := &Manager{
		cfg:       cfg,
		hub:       hub,
		auth:      authenticator,
		publisher: publisher,
		metrics:   recorder,
		logger:    log.With("component", "connection_manager"),
		clk:       cfg.Clock,
		pending:   make(map[*websocket.Conn]struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	if cfg.HandshakesPerSecond > 0 {
		burst := int(cfg.HandshakesPerSecond)
		if burst < 1 {
			burst = 1
		}
		m.handshakes = rate.NewLimiter(rate.Limit(cfg.HandshakesPerSecond), burst)
	}
	return m
}

// Hub returns the manager's session registry.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// ActiveConnections returns the number of admitted sockets, including those
// still authenticating.
func (m *Manager) ActiveConnections() int {
	return int(m.active.Load())
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.Contains(m.cfg.AllowedOrigins, u.Host) ||
		slices.Contains(m.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		m.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	if reason, ok := m.admit(); !ok {
		m.metrics.ConnectionRejected(reason)
		m.logger.Warn("rejecting websocket connection", "reason", reason, "remote_addr", r.RemoteAddr)
		m.closeConn(conn, websocket.CloseTryAgainLater, "try again later")
		return
	}

	m.wg.Add(1)
	defer m.wg.Done()
	m.serve(r, conn)
}

// admit reserves a connection slot.
func (m *Manager) admit() (string, bool) {
	if m.closing.Load() {
		return "shutdown", false
	}
	if m.handshakes != nil && !m.handshakes.Allow() {
		return "handshake_rate", false
	}
	if n := m.active.Add(1); m.cfg.MaxConnections > 0 && n > int64(m.cfg.MaxConnections) {
		m.active.Add(-1)
		return "capacity", false
	}
	return "", true
}

func (m *Manager) closeConn(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(m.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = conn.Close()
}

func (m *Manager) serve(r *http.Request, conn *websocket.Conn) {
	limiter := NewSlidingWindow(m.cfg.RateLimitMessages, m.cfg.RateLimitWindow, m.clk)
	s := newSession(conn, m.cfg.SendQueueSize, limiter, m.clk, m.logger)
	conn.SetReadLimit(m.cfg.MaxMessageBytes)

	if !m.track(conn) {
		m.active.Add(-1)
		_ = s.transition(StateDisconnected)
		m.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	identity, err := m.authenticate(r, conn)
	if err != nil {
		m.untrack(conn)
		m.active.Add(-1)
		_ = s.transition(StateDisconnected)
		if m.closing.Load() {
			_ = conn.Close()
			return
		}
		m.metrics.ConnectionRejected("auth")
		m.logger.Info("websocket authentication failed",
			"client_id", s.ClientID,
			"remote_addr", r.RemoteAddr,
			"error", redact.Error(err))
		m.closeConn(conn, websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	s.Identity = identity
	s.logger = s.logger.With("user_id", identity.UserID)
	_ = s.transition(StateAuthenticated)

	if !m.register(s) {
		m.active.Add(-1)
		_ = s.transition(StateDisconnecting)
		_ = s.transition(StateDisconnected)
		m.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	_ = s.transition(StateActive)
	s.touch()
	m.metrics.ConnectionOpened()

	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	// The ticker exists before the pumps start so heartbeats are counted
	// from activation.
	ticker := m.clk.Ticker(m.cfg.HeartbeatInterval)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writePump(s, ticker)
	}()

	m.sendControl(s, events.ControlMessage{Type: events.ControlWelcome, ClientID: s.ClientID})
	s.logger.Info("websocket connection active")

	m.readPump(s)
	s.stop(0, "")
	<-writerDone
	m.disconnect(s)
}

// track records a socket that is still authenticating. It reports false once
// Shutdown has begun.
func (m *Manager) track(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() {
		return false
	}
	m.pending[conn] = struct{}{}
	return true
}

func (m *Manager) untrack(conn *websocket.Conn) {
	m.mu.Lock()
	delete(m.pending, conn)
	m.mu.Unlock()
}

// register moves an authenticated session from pending into the hub. It
// reports false once Shutdown has begun, so Shutdown sees every session that
// made it into the hub.
func (m *Manager) register(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s.conn)
	if m.closing.Load() {
		return false
	}
	m.hub.Register(s)
	return true
}

// authenticate resolves the caller from ?token=, a Bearer header, or the
// first frame when neither is present.
func (m *Manager) authenticate(r *http.Request, conn *websocket.Conn) (auth.Identity, error) {
	ctx := logger.WithLogger(r.Context(), m.logger)

	if token := tokenFromRequest(r); token != "" {
		return m.auth.Authenticate(ctx, token)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, errors.Join(auth.ErrMissingToken, err)
	}
	frame, err := events.DecodeFrame(data)
	if err != nil || frame.Control == nil || frame.Control.Type != events.ControlAuth {
		return auth.Identity{}, auth.ErrMissingToken
	}
	return m.auth.Authenticate(ctx, frame.Control.Token)
}

func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func (m *Manager) readPump(s *Session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		m.handleFrame(s, data)
	}
}

func (m *Manager) writePump(s *Session, ticker *clock.Ticker) {
	defer ticker.Stop()
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				m.metrics.Error("realtime", "write")
				return
			}

		case <-ticker.C:
			if m.clk.Since(s.LastHeartbeat()) >= 2*m.cfg.HeartbeatInterval {
				// Hang up without a close frame; the client sees 1006.
				s.logger.Info("heartbeat timeout")
				m.metrics.Error("realtime", "heartbeat_timeout")
				return
			}
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}

		case <-s.stopCh:
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			if code != 0 {
				m.flush(s)
				deadline := time.Now().Add(m.cfg.WriteTimeout)
				_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
			}
			return
		}
	}
}

// flush writes frames already queued for s ahead of its close frame.
func (m *Manager) flush(s *Session) {
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket flush failed", "error", err)
				return
			}
		default:
			return
		}
	}
}

// disconnect removes s from every room and announces the user offline.
func (m *Manager) disconnect(s *Session) {
	if err := s.transition(StateDisconnecting); err != nil {
		return
	}
	rooms := m.hub.Unregister(s)
	_ = s.transition(StateDisconnected)

	m.active.Add(-1)
	m.metrics.ConnectionClosed()
	s.logger.Info("websocket connection closed", "rooms_left", len(rooms))

	m.publishPresence(s, events.PresenceOffline)
}

func (m *Manager) publishPresence(s *Session, status events.PresenceStatus) {
	ev, err := events.NewChangeEvent(events.TypeUserStatus, domain.PresenceRoom, events.PresencePayload{
		UserID: s.Identity.UserID,
		Status: status,
	})
	if err != nil {
		s.logger.Error("failed to build presence event", "error", err)
		return
	}
	ev.OriginClientID = s.ClientID
	m.publish(ev)
}

func (m *Manager) publish(ev *events.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.metrics.Error("realtime", "publish")
		m.logger.Warn("failed to publish client event",
			"type", ev.Type,
			"room", ev.Room,
			"error", redact.Error(err))
	}
}

// Shutdown stops admitting connections, closes every socket with 1001 and
// waits for the connection goroutines. Sockets still open when ctx ends are
// closed without a close frame.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closing.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	pending := make([]*websocket.Conn, 0, len(m.pending))
	for conn := range m.pending {
		pending = append(pending, conn)
	}
	m.mu.Unlock()

	sessions := m.hub.Sessions()
	m.logger.Info("closing websocket connections",
		"count", len(sessions),
		"authenticating", len(pending))
	for _, s := range sessions {
		s.stop(websocket.CloseGoingAway, "server shutting down")
	}
	// Unblocks first-frame reads; serve sees the read error and returns.
	for _, conn := range pending {
		m.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, s := range m.hub.Sessions() {
			_ = s.conn.Close()
		}
		return ctx.Err()
	}
}

func (m *Manager) sendControl(s *Session, msg events.ControlMessage) {
	m.sendJSON(s, string(msg.Type), msg)
}

func (m *Manager) sendError(s *Session, code, message string) {
	m.sendJSON(s, string(events.TypeError), events.ErrorEnvelope(code, message))
}

func (m *Manager) sendJSON(s *Session, kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode frame", "kind", kind, "error", err)
		return
	}
	if err := s.enqueue(data); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			m.metrics.Error("realtime", "send_queue_full")
		}
		return
	}
	m.metrics.MessageSent(kind)
}
