package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/domain"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "error", ShutdownTimeoutSeconds: 5},
		Database: config.DatabaseConfig{
			Driver: "memory",
		},
		Redis: config.RedisConfig{Channel: "tandem:test"},
		Auth: config.AuthConfig{
			JWTSecret:            "test-secret-that-is-at-least-32-characters",
			TokenLifetimeMinutes: 60,
		},
		Cache: config.CacheConfig{TTLSeconds: 60, LocalCapacity: 100},
		Realtime: config.RealtimeConfig{
			MaxConnections:           10,
			HeartbeatIntervalSeconds: 30,
			RateLimitMessages:        100,
			RateLimitWindowSeconds:   60,
			SendQueueSize:            16,
		},
		Delivery: config.DeliveryConfig{
			QueueSize:             64,
			WorkerCount:           2,
			MaxAttempts:           2,
			BaseBackoffMillis:     1,
			MaxBackoffMillis:      5,
			ErrorThresholdPercent: 50,
			MinimumRequests:       10,
			WindowSeconds:         10,
			CooldownSeconds:       1,
		},
	}
}

type testApp struct {
	app    *application
	server *httptest.Server
}

// startTestApp builds the application on in-process backends and starts the
// relay and delivery workers the same way Run does.
func startTestApp(t *testing.T) *testApp {
	t.Helper()
	require.NoError(t, config.Validate(testConfig()))

	app, err := newApplication(context.Background(), testConfig(), logger.Discard())
	require.NoError(t, err)

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	app.pool.Start()
	go func() { relayDone <- app.relay.Run(relayCtx) }()

	select {
	case <-app.relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	srv := httptest.NewServer(app.setupRouter())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, app.shutdown(cancelRelay, relayDone))
		app.cleanup()
	})

	return &testApp{app: app, server: srv}
}

func (ta *testApp) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := ta.app.jwtService.GenerateToken(context.Background(), auth.Identity{
		UserID: userID,
		Role:   auth.RoleMember,
	})
	require.NoError(t, err)
	return token
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ta.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ta *testApp) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one with the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wanted string) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == wanted {
			return data
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ta := startTestApp(t)

	resp, err := http.Get(ta.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ta := startTestApp(t)

	resp, err := http.Get(ta.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEntityAPIRequiresAuthentication(t *testing.T) {
	ta := startTestApp(t)

	resp, err := http.Get(ta.server.URL + "/api/entities/" + uuid.NewString())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNonMemberCannotSubscribeToEntityRoom(t *testing.T) {
	ta := startTestApp(t)
	owner := ta.token(t, uuid.New())

	resp := ta.do(t, http.MethodPost, "/api/entities", owner, map[string]any{
		"kind":  "task",
		"title": "Private",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	conn := ta.dial(t, ta.token(t, uuid.New()))
	readUntil(t, conn, string(events.ControlWelcome))
	require.NoError(t, conn.WriteJSON(events.ControlMessage{Type: events.ControlSubscribe, Room: created.Room()}))

	data := readUntil(t, conn, string(events.TypeError))
	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	var payload events.ErrorPayload
	require.NoError(t, env.UnmarshalPayload(&payload))
	assert.Equal(t, events.CodeForbidden, payload.Code)
}

func TestUpdateIsBroadcastToSubscribers(t *testing.T) {
	ta := startTestApp(t)
	owner := uuid.New()
	token := ta.token(t, owner)

	resp := ta.do(t, http.MethodPost, "/api/entities", token, map[string]any{
		"kind":  "task",
		"title": "Ship the relay",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(1), created.Version)

	conn := ta.dial(t, token)
	readUntil(t, conn, string(events.ControlWelcome))

	room := created.Room()
	require.NoError(t, conn.WriteJSON(events.ControlMessage{Type: events.ControlSubscribe, Room: room}))
	readUntil(t, conn, string(events.ControlSubscribed))

	status := domain.StatusInProgress
	resp = ta.do(t, http.MethodPatch, "/api/entities/"+created.ID.String(), token, map[string]any{
		"expectedVersion": 1,
		"patch":           domain.Patch{Status: &status},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := readUntil(t, conn, string(events.TypeTaskUpdate))
	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	var payload events.EntityPayload
	require.NoError(t, env.UnmarshalPayload(&payload))
	assert.Equal(t, created.ID, payload.Entity.ID)
	assert.Equal(t, int64(2), payload.Entity.Version)
	assert.Equal(t, domain.StatusInProgress, payload.Entity.Status)
	assert.Equal(t, owner, payload.ChangedBy)
}

func TestStaleUpdateReturnsConflict(t *testing.T) {
	ta := startTestApp(t)
	token := ta.token(t, uuid.New())

	resp := ta.do(t, http.MethodPost, "/api/entities", token, map[string]any{
		"kind":  "project",
		"title": "Q3 roadmap",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	path := fmt.Sprintf("/api/entities/%s", created.ID)
	title := "Q3 roadmap (draft)"
	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		resp = ta.do(t, http.MethodPatch, path, token, map[string]any{
			"expectedVersion": 1,
			"patch":           domain.Patch{Title: &title},
		})
		require.Equal(t, want, resp.StatusCode, "request %d", i)
	}

	var conflict struct {
		CurrentVersion int64 `json:"currentVersion"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflict))
	assert.Equal(t, int64(2), conflict.CurrentVersion)
}

func TestShutdownDrainsQueuedEventsBeforeClosingSockets(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(), logger.Discard())
	require.NoError(t, err)

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- app.relay.Run(relayCtx) }()
	<-app.relay.Ready()

	srv := httptest.NewServer(app.setupRouter())
	defer srv.Close()
	ta := &testApp{app: app, server: srv}

	token := ta.token(t, uuid.New())
	resp := ta.do(t, http.MethodPost, "/api/entities", token, map[string]any{
		"kind":  "task",
		"title": "Drain on shutdown",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created domain.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	conn := ta.dial(t, token)
	readUntil(t, conn, string(events.ControlWelcome))

	room := created.Room()
	require.NoError(t, conn.WriteJSON(events.ControlMessage{Type: events.ControlSubscribe, Room: room}))
	readUntil(t, conn, string(events.ControlSubscribed))

	// Queued before any worker runs; shutdown has to drain it into the
	// still-open socket.
	ev, err := events.NewChangeEvent(events.TypeTaskUpdate, room, map[string]string{"title": "late"})
	require.NoError(t, err)
	require.NoError(t, app.queue.Enqueue(ev))
	app.pool.Start()

	require.NoError(t, app.shutdown(cancelRelay, relayDone))
	app.cleanup()

	// The creation event may arrive first; both were queued.
	for {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(readUntil(t, conn, string(events.TypeTaskUpdate)), &env))
		if env.MessageID == ev.MessageID {
			break
		}
	}

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
