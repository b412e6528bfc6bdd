// ABOUTME: Minimal fake agent for E2E testing — serves the agent HTTP API and event channel.
// ABOUTME: Usage: fake-agent [-addr :8090] [-node fake-node-1] [-key bsk_...] [-service name]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/protocol"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	node := flag.String("node", "fake-node-1", "node UUID reported in the handshake")
	key := flag.String("key", "", "expected API key; empty disables auth checks")
	service := flag.String("service", "", "service id the API key must be bound to; empty skips the binding check")
	tolerance := flag.Duration("sig-tolerance", auth.DefaultTimestampTolerance, "accepted clock drift for signature timestamps")
	statusEvery := flag.Duration("status-every", 15*time.Second, "interval between status_update pushes")
	flag.Parse()

	if err := run(*addr, *node, *key, *service, *statusEvery, *tolerance); err != nil {
		log.Fatal(err)
	}
}

func run(addr, node, key, service string, statusEvery, tolerance time.Duration) error {
	if err := checkKeyBinding(key, service); err != nil {
		return fmt.Errorf("api key: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &agent{
		node:        node,
		key:         key,
		tolerance:   tolerance,
		statusEvery: statusEvery,
		conns:       make(map[*websocket.Conn]chan *protocol.Event),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathIdentify, a.handleHandshake)
	mux.HandleFunc(protocol.PathHealth, a.authenticated(a.handleHandshake))
	mux.HandleFunc(protocol.PathCommands, a.authenticated(a.handleCommand))
	mux.HandleFunc(protocol.PathEvents, a.handleEvents)

	srv := &http.Server{Addr: addr, Handler: mux}

	go a.statusLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake agent %s listening on %s", node, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// checkKeyBinding enforces that the configured key belongs to this agent's
// service when one is named. An empty key or service skips the check.
func checkKeyBinding(key, service string) error {
	if key == "" || service == "" {
		return nil
	}
	return auth.ValidateAPIKeyFormat(key, service)
}

type agent struct {
	node        string
	key         string
	tolerance   time.Duration
	statusEvery time.Duration

	mu    sync.Mutex
	conns map[*websocket.Conn]chan *protocol.Event
}

// authenticated verifies the API key and HMAC signature when a key is
// configured. The signature covers the timestamp plus request body, so
// the body is read here and re-attached for the handler.
func (a *agent) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.key == "" {
			next(w, r)
			return
		}

		if r.Header.Get(protocol.HeaderAPIKey) != a.key {
			http.Error(w, "bad api key", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ts, err := auth.ParseTimestamp(r.Header.Get(protocol.HeaderTimestamp))
		if err != nil {
			http.Error(w, "bad timestamp", http.StatusUnauthorized)
			return
		}

		var signed []byte
		if len(body) > 0 {
			signed = body
		}
		if !auth.VerifySignature(signed, r.Header.Get(protocol.HeaderSignature), a.key, ts, a.tolerance) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (a *agent) handleHandshake(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.HealthProbeResponse{
		NodeID:       a.node,
		Version:      "0.0.0-fake",
		Capabilities: []string{"minecraft", "files"},
		Connected:    true,
	})
}

func (a *agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env protocol.CommandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	log.Printf("command %s: %s (server=%s)", env.ID, env.Action, env.ServerID)

	// Slow actions answer pending and deliver the terminal result over
	// the event channel, exercising the panel's async correlation path.
	if env.Action == protocol.ActionMetricsCollect {
		go a.deliverLater(&env)
		a.respond(w, &protocol.CommandResponse{
			CommandID: env.ID,
			Status:    protocol.StatusPending,
			ServerID:  env.ServerID,
			Timestamp: time.Now(),
		})
		return
	}

	a.respond(w, &protocol.CommandResponse{
		CommandID:     env.ID,
		Status:        protocol.StatusSuccess,
		ServerID:      env.ServerID,
		Timestamp:     time.Now(),
		ExecutionTime: 5,
		Data:          env.Payload,
	})
}

func (a *agent) respond(w http.ResponseWriter, resp *protocol.CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// deliverLater pushes the terminal result for a pending command after a
// short simulated delay.
func (a *agent) deliverLater(env *protocol.CommandEnvelope) {
	time.Sleep(200 * time.Millisecond)
	a.broadcast(&protocol.Event{
		Type:      protocol.EventCommandResult,
		NodeUUID:  a.node,
		Timestamp: time.Now(),
		Data: protocol.CommandResponse{
			CommandID:     env.ID,
			Status:        protocol.StatusSuccess,
			ServerID:      env.ServerID,
			Timestamp:     time.Now(),
			ExecutionTime: 200,
			Data:          map[string]any{"cpu": 0.42, "memory_mb": 2048},
		},
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (a *agent) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.key != "" && r.Header.Get(protocol.HeaderAPIKey) != a.key {
		http.Error(w, "bad api key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	out := make(chan *protocol.Event, 16)
	a.mu.Lock()
	a.conns[conn] = out
	a.mu.Unlock()
	log.Printf("event channel connected from %s", r.RemoteAddr)

	go a.writeLoop(conn, out)
	a.readLoop(conn, out)
}

// readLoop consumes inbound frames. A status_request triggers an
// immediate status push; anything else is ignored.
func (a *agent) readLoop(conn *websocket.Conn, out chan *protocol.Event) {
	defer a.drop(conn)
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("event channel closed: %v", err)
			return
		}
		if msg.Type == "status_request" {
			select {
			case out <- a.statusEvent():
			default:
			}
		}
	}
}

func (a *agent) writeLoop(conn *websocket.Conn, out chan *protocol.Event) {
	for ev := range out {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (a *agent) drop(conn *websocket.Conn) {
	a.mu.Lock()
	out, ok := a.conns[conn]
	delete(a.conns, conn)
	a.mu.Unlock()
	if ok {
		close(out)
	}
	conn.Close()
}

func (a *agent) broadcast(ev *protocol.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, out := range a.conns {
		select {
		case out <- ev:
		default:
		}
	}
}

func (a *agent) statusEvent() *protocol.Event {
	return &protocol.Event{
		Type:      protocol.EventStatusUpdate,
		NodeUUID:  a.node,
		Timestamp: time.Now(),
		Data: map[string]any{
			"requestId": uuid.New().String(),
			"servers":   []string{"srv-1"},
			"state":     "running",
		},
	}
}

func (a *agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.broadcast(a.statusEvent())
		}
	}
}
