// ABOUTME: Websocket event channel from one agent to the panel.
// ABOUTME: Explicit connection state machine with capped exponential reconnect backoff.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/protocol"
)

// ChannelState describes the lifecycle of one agent's event channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// Handler receives one inbound event. Handlers run on the read loop
// goroutine and must not block.
type Handler func(ev *protocol.Event)

// Defaults applied when a ChannelConfig field is zero.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = 30 * time.Second
	DefaultMaxAttempts  = 5
)

// ChannelConfig controls heartbeat and reconnect behavior.
type ChannelConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	DialTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// backoffDelay returns base * 2^attempt capped at max. attempt counts
// completed failures, so the first retry waits base.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// websocketURL rewrites an agent base URL to its event endpoint.
func websocketURL(baseURL string) string {
	url := strings.TrimSuffix(baseURL, "/") + protocol.PathEvents
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

// Channel maintains the push event stream from one agent. It dials the
// agent's websocket endpoint with the same credential set as signed HTTP
// calls, heartbeats with pings, and reconnects with capped exponential
// backoff until the attempt budget is spent.
type Channel struct {
	target    agentclient.Target
	tokens    agentclient.TokenSource
	serviceID string
	cfg       ChannelConfig
	logger    *slog.Logger

	mu         sync.Mutex
	state      ChannelState
	enabled    bool
	conn       *websocket.Conn
	gen        int // invalidates loops from previous connections
	attempt    int
	timer      *time.Timer
	lastUpdate time.Time
	handlers   map[protocol.EventType][]Handler

	writeMu sync.Mutex
}

// NewChannel creates a Channel for one agent. It does not connect.
func NewChannel(target agentclient.Target, tokens agentclient.TokenSource, serviceID string, cfg ChannelConfig, logger *slog.Logger) *Channel {
	return &Channel{
		target:    target,
		tokens:    tokens,
		serviceID: serviceID,
		cfg:       cfg.withDefaults(),
		state:     StateDisconnected,
		handlers:  make(map[protocol.EventType][]Handler),
		logger: logger.With(
			"component", "events",
			"node_uuid", target.NodeUUID,
		),
	}
}

// On registers a handler for one event type. Must be called before
// Connect; handlers registered later apply from the next event.
func (c *Channel) On(t protocol.EventType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastUpdate returns when the channel last received an event.
func (c *Channel) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

// Connect enables the channel and dials the agent. A fresh Connect
// resets the reconnect attempt budget, which is also how an operator
// revives a channel that exhausted its retries.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.enabled = true
	c.attempt = 0
	c.stopTimerLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial()
}

// Toggle enables or disables the channel. Disabling closes the socket
// and cancels any scheduled reconnect; no timer survives it.
func (c *Channel) Toggle(enabled bool) error {
	if enabled {
		return c.Connect()
	}

	c.mu.Lock()
	c.enabled = false
	c.gen++ // orphan the running loops
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disabled"),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// RequestUpdate asks the agent to push a fresh status event.
func (c *Channel) RequestUpdate() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("event channel for %s is not connected", c.target.NodeUUID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	return conn.WriteJSON(map[string]string{"type": "status_request"})
}

// dial performs one connection attempt and starts the read and ping
// loops on success.
func (c *Channel) dial() error {
	token, err := c.tokens.IssueToken(c.serviceID, nil, time.Minute)
	if err != nil {
		c.connectFailed(fmt.Errorf("issuing service token: %w", err))
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set(protocol.HeaderAPIKey, c.target.APIKey)
	header.Set(protocol.HeaderServiceID, c.serviceID)
	header.Set(protocol.HeaderRequestID, uuid.New().String())

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, resp, err := dialer.Dial(websocketURL(c.target.BaseURL), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.connectFailed(fmt.Errorf("dialing event channel: %w", err))
		return err
	}

	c.mu.Lock()
	if !c.enabled {
		// Toggled off while the handshake was in flight.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempt = 0
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("event channel connected")

	conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
		return nil
	})

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
	return nil
}

// connectFailed records a failed attempt and schedules the next one.
func (c *Channel) connectFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}

	c.attempt++
	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateDisconnected
		c.logger.Warn("event channel gave up reconnecting",
			"attempts", c.attempt,
			"error", err,
		)
		return
	}

	delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, c.attempt-1)
	c.state = StateReconnecting
	c.logger.Info("event channel reconnecting",
		"attempt", c.attempt,
		"delay", delay,
		"error", err,
	)

	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if !c.enabled {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
}

// connectionLost handles a broken established connection. Stale loops
// from superseded connections are ignored by generation check.
func (c *Channel) connectionLost(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || !c.enabled {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.mu.Unlock()

	c.connectFailed(err)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.connectionLost(gen, fmt.Errorf("reading event: %w", err))
			return
		}
		c.dispatch(&ev)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			return
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout))
		c.writeMu.Unlock()
		if err != nil {
			c.connectionLost(gen, fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}

// dispatch fans one inbound event out to its registered handlers.
// Unknown event types are logged and dropped.
func (c *Channel) dispatch(ev *protocol.Event) {
	if ev.NodeUUID == "" {
		ev.NodeUUID = c.target.NodeUUID
	}

	c.mu.Lock()
	c.lastUpdate = time.Now()
	handlers := c.handlers[ev.Type]
	c.mu.Unlock()

	switch ev.Type {
	case protocol.EventStatusUpdate, protocol.EventMetricsUpdate,
		protocol.EventCommandResult, protocol.EventAgentConnected,
		protocol.EventAgentDisconnected:
	default:
		c.logger.Warn("ignoring unknown event type", "type", ev.Type)
		return
	}

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Shutdown disables the channel. Provided for symmetry with the other
// components' lifecycles.
func (c *Channel) Shutdown(ctx context.Context) error {
	return c.Toggle(false)
}
