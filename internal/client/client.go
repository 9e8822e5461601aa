package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/guard"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is at capacity.
	// Queued messages are kept; the new one is refused.
	ErrQueueFull = errors.New("client send queue full")

	// ErrClosed is returned by Send after the client has stopped.
	ErrClosed = errors.New("client closed")

	// ErrMaxRetries is reported by Err when reconnecting gave up.
	ErrMaxRetries = errors.New("reconnect attempts exhausted")

	// ErrRejected is reported by Err when the server closed with a policy
	// violation, which reconnecting cannot fix.
	ErrRejected = errors.New("connection rejected by server")

	errPongTimeout = errors.New("pong timeout")
)

// State is the client's connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config configures a Client. Zero durations and sizes take defaults.
type Config struct {
	URL    string
	Token  string
	Header http.Header

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxRetries is how many reconnects are attempted after a failure before
	// the client gives up.
	MaxRetries int

	PingInterval time.Duration
	PongTimeout  time.Duration

	QueueSize   int
	EventBuffer int
	DedupSize   int

	Dialer        *websocket.Dialer
	Clock         clock.Clock
	Logger        *slog.Logger
	OnStateChange func(State)
}

// Client keeps a websocket session alive, queues outbound frames while
// disconnected and resubscribes to its rooms after every reconnect.
type Client struct {
	cfg     Config
	backoff guard.BackoffFunc
	tracker *VersionTracker
	clk     clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	pending  [][]byte
	rooms    []string
	clientID string
	err      error

	wake    chan struct{}
	events  chan events.Envelope
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// New validates cfg and creates an idle client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		backoff: guard.ExponentialBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		tracker: NewVersionTracker(cfg.DedupSize),
		clk:     cfg.Clock,
		logger:  cfg.Logger.With("component", "realtime_client"),
		wake:    make(chan struct{}, 1),
		events:  make(chan events.Envelope, cfg.EventBuffer),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start connects in the background. Only the first call has an effect.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Close sends a normal closure and waits for the client to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.startOnce.Do(func() { c.finish(nil) })
	<-c.done
	return nil
}

// Events delivers deduplicated envelopes. It is closed when the client stops.
func (c *Client) Events() <-chan events.Envelope {
	return c.events
}

// Done is closed once the client reaches StateDisconnected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err explains why the client stopped. It is nil after Close or a normal
// closure from the server.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID is the id the server assigned in its most recent welcome frame.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Tracker exposes the version tracker used to filter inbound events.
func (c *Client) Tracker() *VersionTracker {
	return c.tracker
}

// Send queues v for the server. Frames are written in Send order, across
// reconnects.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.pending) >= c.cfg.QueueSize {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.pending = append(c.pending, data)
	c.mu.Unlock()

	c.notify()
	return nil
}

// Subscribe joins room now and after every reconnect.
func (c *Client) Subscribe(room string) error {
	c.mu.Lock()
	if !slices.Contains(c.rooms, room) {
		c.rooms = append(c.rooms, room)
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(events.ControlMessage{Type: events.ControlSubscribe, Room: room})
}

// Unsubscribe leaves room and stops rejoining it.
func (c *Client) Unsubscribe(room string) error {
	c.mu.Lock()
	c.rooms = slices.DeleteFunc(c.rooms, func(r string) bool { return r == room })
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(events.ControlMessage{Type: events.ControlUnsubscribe, Room: room})
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.setStateLocked(s)
	c.mu.Unlock()
	if changed {
		c.announce(s)
	}
}

// markConnected switches to StateConnected and snapshots the rooms to rejoin
// under one lock. A Subscribe that misses the snapshot sees the connected
// state and queues its own frame.
func (c *Client) markConnected() []string {
	c.mu.Lock()
	rooms := slices.Clone(c.rooms)
	changed := c.setStateLocked(StateConnected)
	c.mu.Unlock()
	if changed {
		c.announce(StateConnected)
	}
	return rooms
}

func (c *Client) setStateLocked(s State) bool {
	if c.state == s || c.state == StateDisconnected {
		return false
	}
	c.state = s
	return true
}

func (c *Client) announce(s State) {
	c.logger.Debug("client state change", "state", s.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Client) finish(err error) {
	c.setState(StateDisconnected)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

func (c *Client) closing() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *Client) run(ctx context.Context) {
	var lastErr error
	attempt := 0

	for {
		if c.closing() {
			c.finish(nil)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			code, sessionErr := c.session(ctx, conn)
			switch {
			case c.closing():
				c.finish(nil)
				return
			case ctx.Err() != nil:
				c.finish(ctx.Err())
				return
			case code == websocket.CloseNormalClosure:
				c.finish(nil)
				return
			case code == websocket.ClosePolicyViolation:
				c.finish(fmt.Errorf("%w: %w", ErrRejected, sessionErr))
				return
			}
			c.logger.Info("connection lost", "close_code", code, "error", sessionErr)
			lastErr = sessionErr
		} else {
			c.logger.Debug("dial failed", "error", err, "attempt", attempt)
			lastErr = err
		}

		if ctx.Err() != nil {
			c.finish(ctx.Err())
			return
		}
		if attempt >= c.cfg.MaxRetries {
			c.finish(fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, attempt, lastErr))
			return
		}

		delay := c.backoff(attempt)
		attempt++
		c.setState(StateReconnecting)

		timer := c.clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-c.closeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := c.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// session runs one connection until it ends and returns its close code.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) (int, error) {
	pong := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readerDone)
		readErr = c.readLoop(ctx, conn, pong)
	}()

	writeErr := c.writeLoop(ctx, conn, readerDone, pong)
	_ = conn.Close()
	<-readerDone

	if errors.Is(writeErr, errPongTimeout) {
		return websocket.CloseAbnormalClosure, writeErr
	}
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		return closeErr.Code, readErr
	}
	if writeErr != nil {
		return websocket.CloseAbnormalClosure, writeErr
	}
	return websocket.CloseAbnormalClosure, readErr
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, pong chan<- struct{}) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := events.DecodeFrame(data)
		if err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		if msg := frame.Control; msg != nil {
			switch msg.Type {
			case events.ControlWelcome:
				c.mu.Lock()
				c.clientID = msg.ClientID
				c.mu.Unlock()
			case events.ControlPong:
				select {
				case pong <- struct{}{}:
				default:
				}
			}
			continue
		}

		env := *frame.Envelope
		if !c.tracker.Accept(env) {
			continue
		}
		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return ErrClosed
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, readerDone <-chan struct{}, pong <-chan struct{}) error {
	rooms := c.markConnected()

	for _, room := range rooms {
		if err := conn.WriteJSON(events.ControlMessage{Type: events.ControlSubscribe, Room: room}); err != nil {
			return err
		}
	}

	ticker := c.clk.Ticker(c.cfg.PingInterval)
	defer ticker.Stop()

	var (
		pongTimer *clock.Timer
		pongDue   <-chan time.Time
	)
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		if err := c.flush(conn); err != nil {
			return err
		}

		select {
		case <-readerDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ErrClosed
		case <-c.wake:
		case <-ticker.C:
			if pongTimer != nil {
				continue
			}
			ping := events.ControlMessage{Type: events.ControlPing, Nonce: uuid.NewString()}
			if err := conn.WriteJSON(ping); err != nil {
				return err
			}
			pongTimer = c.clk.Timer(c.cfg.PongTimeout)
			pongDue = pongTimer.C
		case <-pong:
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer, pongDue = nil, nil
			}
		case <-pongDue:
			c.logger.Info("no pong from server, reconnecting")
			return errPongTimeout
		}
	}
}

// flush writes queued frames in order. A frame leaves the queue only after
// it was written.
func (c *Client) flush(conn *websocket.Conn) error {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return nil
		}
		frame := c.pending[0]
		c.mu.Unlock()

		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}

		c.mu.Lock()
		c.pending = c.pending[1:]
		c.mu.Unlock()
	}
}
