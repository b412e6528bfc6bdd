// ABOUTME: Panel-side event fan-out hub.
// ABOUTME: Owns per-agent channels, routes command results to the dispatcher, notifies subscribers.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/dedupe"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// Redelivery guard bounds. Agents replay recent pushes after a
// reconnect, so the hub drops anything it has seen within the TTL.
const (
	dedupeTTL     = time.Minute
	dedupeMaxSize = 4096
)

// Resolver resolves pending commands from asynchronous results. The
// dispatcher implements it.
type Resolver interface {
	HandleResponse(resp *protocol.CommandResponse) bool
}

// Subscriber receives one hub event. Subscribers run inline on the
// delivering goroutine and must not block.
type Subscriber func(ev *protocol.Event)

// Hub fans agent events out to panel subscribers. It owns one Channel
// per attached agent, relays status, metrics, and connectivity events,
// and hands command_result payloads to the dispatcher's pending table.
type Hub struct {
	tokens    agentclient.TokenSource
	serviceID string
	cfg       ChannelConfig
	resolver  Resolver
	logger    *slog.Logger
	recent    *dedupe.Cache

	mu          sync.RWMutex
	channels    map[string]*Channel
	subscribers map[protocol.EventType]map[int]Subscriber
	nextSubID   int
}

// NewHub creates a Hub. resolver may be nil when command correlation is
// handled elsewhere.
func NewHub(tokens agentclient.TokenSource, serviceID string, cfg ChannelConfig, resolver Resolver, logger *slog.Logger) *Hub {
	return &Hub{
		tokens:      tokens,
		serviceID:   serviceID,
		cfg:         cfg.withDefaults(),
		resolver:    resolver,
		logger:      logger.With("component", "events"),
		recent:      dedupe.New(dedupeTTL, dedupeMaxSize),
		channels:    make(map[string]*Channel),
		subscribers: make(map[protocol.EventType]map[int]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (h *Hub) Subscribe(t protocol.EventType, fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(t, fn)
}

// SubscribeAll registers a subscriber for every fan-out event type and
// returns a cancel function. Command results stay routed to the resolver
// and never reach these subscribers.
func (h *Hub) SubscribeAll(fn Subscriber) func() {
	types := []protocol.EventType{
		protocol.EventStatusUpdate,
		protocol.EventMetricsUpdate,
		protocol.EventAgentConnected,
		protocol.EventAgentDisconnected,
	}

	h.mu.Lock()
	ids := make([]int, len(types))
	for i, t := range types {
		ids[i] = h.subscribeLocked(t, fn)
	}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, t := range types {
			delete(h.subscribers[t], ids[i])
		}
	}
}

func (h *Hub) subscribeLocked(t protocol.EventType, fn Subscriber) int {
	h.nextSubID++
	if h.subscribers[t] == nil {
		h.subscribers[t] = make(map[int]Subscriber)
	}
	h.subscribers[t][h.nextSubID] = fn
	return h.nextSubID
}

// Attach creates and connects the event channel for one agent. Attaching
// an agent that already has a channel reconnects it with the new
// credentials.
func (h *Hub) Attach(target agentclient.Target) error {
	h.mu.Lock()
	if existing, ok := h.channels[target.NodeUUID]; ok {
		delete(h.channels, target.NodeUUID)
		h.mu.Unlock()
		existing.Toggle(false)
		h.mu.Lock()
	}

	ch := NewChannel(target, h.tokens, h.serviceID, h.cfg, h.logger)
	for _, t := range []protocol.EventType{
		protocol.EventStatusUpdate,
		protocol.EventMetricsUpdate,
		protocol.EventCommandResult,
		protocol.EventAgentConnected,
		protocol.EventAgentDisconnected,
	} {
		ch.On(t, h.Publish)
	}
	h.channels[target.NodeUUID] = ch
	h.mu.Unlock()

	return ch.Connect()
}

// Detach disables and removes an agent's channel.
func (h *Hub) Detach(nodeUUID string) {
	h.mu.Lock()
	ch, ok := h.channels[nodeUUID]
	delete(h.channels, nodeUUID)
	h.mu.Unlock()

	if ok {
		ch.Toggle(false)
	}
}

// Channel returns the channel for one agent, if attached.
func (h *Hub) Channel(nodeUUID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[nodeUUID]
	return ch, ok
}

// RequestUpdate asks one agent for a fresh status push.
func (h *Hub) RequestUpdate(nodeUUID string) error {
	ch, ok := h.Channel(nodeUUID)
	if !ok {
		return fmt.Errorf("no event channel attached for %s", nodeUUID)
	}
	return ch.RequestUpdate()
}

// Publish routes one event: command results resolve pending commands,
// everything else fans out to subscribers.
func (h *Hub) Publish(ev *protocol.Event) {
	if ev.Type == protocol.EventCommandResult && h.resolver != nil {
		var resp protocol.CommandResponse
		if err := ev.DecodeData(&resp); err != nil {
			h.logger.Warn("dropping malformed command result",
				"node_uuid", ev.NodeUUID,
				"error", err,
			)
			return
		}
		h.resolver.HandleResponse(&resp)
		return
	}

	// Agent pushes are at-least-once across reconnects. Duplicate
	// results are absorbed by the pending table; duplicate updates are
	// dropped here.
	if ev.Type == protocol.EventStatusUpdate || ev.Type == protocol.EventMetricsUpdate {
		key := fmt.Sprintf("%s|%s|%d", ev.NodeUUID, ev.Type, ev.Timestamp.UnixNano())
		if h.recent.CheckAndMark(key) {
			h.logger.Debug("dropping redelivered event",
				"node_uuid", ev.NodeUUID,
				"type", ev.Type,
			)
			return
		}
	}

	h.mu.RLock()
	subs := h.subscribers[ev.Type]
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// RegistryListener adapts registry state transitions into connectivity
// events: an agent entering Online publishes agent_connected, one
// leaving a reachable state for Offline or Failed publishes
// agent_disconnected.
func (h *Hub) RegistryListener() registry.StateListener {
	return func(nodeUUID string, from, to registry.ConnectionState, reason string) {
		var t protocol.EventType
		switch {
		case to == registry.StateOnline && from != registry.StateOnline:
			t = protocol.EventAgentConnected
		case (to == registry.StateOffline || to == registry.StateFailed) && from.Reachable():
			t = protocol.EventAgentDisconnected
		default:
			return
		}

		h.Publish(&protocol.Event{
			Type:      t,
			NodeUUID:  nodeUUID,
			Timestamp: time.Now(),
			Data: map[string]string{
				"from":   string(from),
				"to":     string(to),
				"reason": reason,
			},
		})
	}
}

// Shutdown disables every attached channel.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.channels = make(map[string]*Channel)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Toggle(false)
	}
	h.recent.Close()
	return nil
}
