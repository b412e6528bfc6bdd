// ABOUTME: Tests for the websocket event channel
// ABOUTME: Covers handshake auth, heartbeat, backoff schedule, toggle, and reconnects

package events

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/protocol"
)

// staticTokens is a TokenSource returning a fixed token.
type staticTokens struct{}

func (staticTokens) IssueToken(serviceID string, permissions []string, ttl time.Duration) (string, error) {
	return "test-token", nil
}

// wsAgent is a fake agent event endpoint. Each accepted connection is
// pushed on conns so tests can drive it.
type wsAgent struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	dials   atomic.Int32
	headers http.Header
	conns   chan *websocket.Conn

	reject atomic.Bool
}

func newWSAgent(t *testing.T) *wsAgent {
	t.Helper()
	a := &wsAgent{conns: make(chan *websocket.Conn, 8)}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.dials.Add(1)
		if a.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		a.mu.Lock()
		a.headers = r.Header.Clone()
		a.mu.Unlock()

		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		a.conns <- conn
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *wsAgent) lastHeaders() http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headers
}

func (a *wsAgent) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-a.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent never accepted a connection")
		return nil
	}
}

func testChannel(t *testing.T, baseURL string, cfg ChannelConfig) *Channel {
	t.Helper()
	ch := NewChannel(agentclient.Target{
		NodeUUID: "node-1",
		BaseURL:  baseURL,
		APIKey:   "bsk_panel_0123",
	}, staticTokens{}, "bastion-panel", cfg, slog.Default())
	t.Cleanup(func() { ch.Toggle(false) })
	return ch
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(base, max, attempt)
		assert.GreaterOrEqual(t, d, prev, "backoff must never decrease")
		assert.LessOrEqual(t, d, max, "backoff must respect the cap")
		prev = d
	}

	assert.Equal(t, base, backoffDelay(base, max, 0))
	assert.Equal(t, 2*base, backoffDelay(base, max, 1))
	assert.Equal(t, max, backoffDelay(base, max, 6))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://host:8090/api/v1/events", websocketURL("http://host:8090"))
	assert.Equal(t, "wss://host/api/v1/events", websocketURL("https://host/"))
}

func TestChannel_ConnectSendsCredentials(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	require.NoError(t, ch.Connect())
	agent.accept(t)

	assert.Equal(t, StateConnected, ch.State())
	h := agent.lastHeaders()
	assert.Equal(t, "Bearer test-token", h.Get("Authorization"))
	assert.Equal(t, "bsk_panel_0123", h.Get(protocol.HeaderAPIKey))
	assert.Equal(t, "bastion-panel", h.Get(protocol.HeaderServiceID))
	assert.NotEmpty(t, h.Get(protocol.HeaderRequestID))
}

func TestChannel_DispatchesEventsToHandlers(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	received := make(chan *protocol.Event, 1)
	ch.On(protocol.EventStatusUpdate, func(ev *protocol.Event) {
		received <- ev
	})

	require.NoError(t, ch.Connect())
	conn := agent.accept(t)

	require.NoError(t, conn.WriteJSON(protocol.Event{
		Type:      protocol.EventStatusUpdate,
		NodeUUID:  "node-1",
		Timestamp: time.Now(),
		Data:      map[string]string{"state": "running"},
	}))

	select {
	case ev := <-received:
		assert.Equal(t, protocol.EventStatusUpdate, ev.Type)
		assert.Equal(t, "node-1", ev.NodeUUID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}
	assert.False(t, ch.LastUpdate().IsZero())
}

func TestChannel_UnknownEventTypeIgnored(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	var calls atomic.Int32
	ch.On(protocol.EventStatusUpdate, func(ev *protocol.Event) { calls.Add(1) })

	require.NoError(t, ch.Connect())
	conn := agent.accept(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery_event"}))
	require.NoError(t, conn.WriteJSON(protocol.Event{Type: protocol.EventStatusUpdate}))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_ToggleOffDisconnects(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	require.NoError(t, ch.Connect())
	conn := agent.accept(t)

	require.NoError(t, ch.Toggle(false))
	assert.Equal(t, StateDisconnected, ch.State())

	// The agent side observes the close.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Disabled means no reconnect attempts happen afterwards.
	dials := agent.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, agent.dials.Load())
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	})

	require.NoError(t, ch.Connect())
	first := agent.accept(t)

	// Drop the connection without a close handshake.
	first.Close()

	agent.accept(t)
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, agent.dials.Load(), int32(2))
}

func TestChannel_GivesUpAfterAttemptBudget(t *testing.T) {
	agent := newWSAgent(t)
	agent.reject.Store(true)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		MaxAttempts: 3,
	})

	assert.Error(t, ch.Connect())

	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected && agent.dials.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)

	// No further dialing until an explicit Connect.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), agent.dials.Load())

	// An explicit Connect revives the channel.
	agent.reject.Store(false)
	require.NoError(t, ch.Connect())
	agent.accept(t)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_RequestUpdate(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	assert.Error(t, ch.RequestUpdate(), "not connected yet")

	require.NoError(t, ch.Connect())
	conn := agent.accept(t)

	require.NoError(t, ch.RequestUpdate())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]string
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "status_request", frame["type"])
}

func TestChannel_HeartbeatKeepsConnectionAlive(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  100 * time.Millisecond,
	})

	require.NoError(t, ch.Connect())
	conn := agent.accept(t)

	// gorilla replies to pings automatically while a reader runs.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_ConnectIsIdempotentWhileConnected(t *testing.T) {
	agent := newWSAgent(t)
	ch := testChannel(t, agent.srv.URL, ChannelConfig{})

	require.NoError(t, ch.Connect())
	agent.accept(t)
	require.NoError(t, ch.Connect())

	assert.Equal(t, int32(1), agent.dials.Load())
}
