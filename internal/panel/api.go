// ABOUTME: HTTP API handlers for the panel: discovery, agents, health, commands.
// ABOUTME: JSON over net/http with bearer-token middleware and an SSE event relay.

package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/discovery"
	"github.com/forgeworks/bastion/internal/dispatch"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// DiscoveryRequest is the JSON request body for POST /api/v1/discovery.
type DiscoveryRequest struct {
	Hosts            []string `json:"hosts,omitempty"`
	Ports            []int    `json:"ports,omitempty"`
	Protocols        []string `json:"protocols,omitempty"`
	TimeoutMS        int      `json:"timeoutMs,omitempty"`
	ConcurrencyLimit int      `json:"concurrencyLimit,omitempty"`
}

// RegisterAgentRequest is the JSON request body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	NodeUUID string `json:"nodeUuid"`
	BaseURL  string `json:"baseUrl"`
	APIKey   string `json:"apiKey"`
}

// AgentResponse is the JSON shape of one agent record.
type AgentResponse struct {
	NodeUUID        string   `json:"nodeUuid"`
	BaseURL         string   `json:"baseUrl"`
	State           string   `json:"state"`
	Version         string   `json:"version,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	LastHealthCheck string   `json:"lastHealthCheck,omitempty"`
	LastSeen        string   `json:"lastSeen,omitempty"`
	LastError       string   `json:"lastError,omitempty"`
}

// CommandAPIRequest is the JSON request body for POST /api/v1/commands.
type CommandAPIRequest struct {
	NodeUUID  string          `json:"nodeUuid,omitempty"`
	ServerID  string          `json:"serverId,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeoutMs,omitempty"`
}

// MapServerRequest is the JSON request body for POST /api/v1/servers.
type MapServerRequest struct {
	ServerID string `json:"serverId"`
	NodeUUID string `json:"nodeUuid"`
}

// routes builds the panel's HTTP handler.
func (p *Panel) routes() http.Handler {
	mux := http.NewServeMux()

	// Liveness - no auth required
	mux.HandleFunc("/health", p.handleLiveness)

	authed := auth.HTTPAuthMiddleware(p.issuer)
	command := auth.RequirePermission("agents.command")

	mux.Handle("/api/v1/discovery", authed(http.HandlerFunc(p.handleDiscovery)))
	mux.Handle("/api/v1/agents", authed(http.HandlerFunc(p.handleAgents)))
	mux.Handle("/api/v1/agents/", authed(http.HandlerFunc(p.handleAgentRoutes)))
	mux.Handle("/api/v1/health", authed(http.HandlerFunc(p.handleHealthSummary)))
	mux.Handle("/api/v1/commands", authed(command(http.HandlerFunc(p.handleCommands))))
	mux.Handle("/api/v1/servers", authed(command(http.HandlerFunc(p.handleServers))))
	mux.Handle("/api/v1/events", authed(http.HandlerFunc(p.handleEventStream)))

	return mux
}

// handleLiveness returns 200 OK if the panel process is alive.
func (p *Panel) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleDiscovery handles POST /api/v1/discovery: runs one discovery pass
// and returns every candidate, found or failed.
func (p *Panel) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	candidates := p.Discover(r.Context(), discovery.Config{
		Hosts:            req.Hosts,
		Ports:            req.Ports,
		Protocols:        req.Protocols,
		TimeoutPerProbe:  time.Duration(req.TimeoutMS) * time.Millisecond,
		ConcurrencyLimit: req.ConcurrencyLimit,
	})

	p.sendJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// handleAgents routes agent collection requests by HTTP method.
func (p *Panel) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.handleListAgents(w, r)
	case http.MethodPost:
		p.handleRegisterAgent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListAgents handles GET /api/v1/agents.
// Supports optional ?state=X and ?capability=Y query parameters.
func (p *Panel) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var filter registry.Filter
	if s := r.URL.Query().Get("state"); s != "" {
		filter.States = []registry.ConnectionState{registry.ConnectionState(s)}
	}
	filter.Capability = r.URL.Query().Get("capability")

	records := p.GetAgents(&filter)
	response := make([]AgentResponse, len(records))
	for i, rec := range records {
		response[i] = agentResponse(rec)
	}

	p.sendJSON(w, http.StatusOK, response)
}

// handleRegisterAgent handles POST /api/v1/agents.
func (p *Panel) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := p.RegisterAgent(r.Context(), req.NodeUUID, req.BaseURL, req.APIKey)
	if errors.Is(err, auth.ErrMalformedAPIKey) {
		p.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, registry.ErrIllegalTransition) {
		p.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		p.logger.Error("failed to register agent", "node_uuid", req.NodeUUID, "error", err)
		p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rec, _ := p.GetAgent(req.NodeUUID)
	p.sendJSON(w, http.StatusCreated, agentResponse(rec))
}

// handleAgentRoutes dispatches /api/v1/agents/{uuid}[/health|/history].
func (p *Panel) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	nodeUUID, sub, _ := strings.Cut(rest, "/")
	if nodeUUID == "" {
		p.sendJSONError(w, http.StatusBadRequest, "nodeUuid is required")
		return
	}

	switch sub {
	case "":
		p.handleAgent(w, r, nodeUUID)
	case "health":
		p.handleAgentHealth(w, r, nodeUUID)
	case "history":
		p.handleAgentHistory(w, r, nodeUUID)
	default:
		p.sendJSONError(w, http.StatusNotFound, "unknown resource")
	}
}

// handleAgent handles GET and DELETE /api/v1/agents/{uuid}.
func (p *Panel) handleAgent(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	switch r.Method {
	case http.MethodGet:
		rec, ok := p.GetAgent(nodeUUID)
		if !ok {
			p.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		p.sendJSON(w, http.StatusOK, agentResponse(rec))

	case http.MethodDelete:
		if _, ok := p.GetAgent(nodeUUID); !ok {
			p.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		if err := p.UnregisterAgent(r.Context(), nodeUUID); err != nil {
			p.logger.Error("failed to unregister agent", "node_uuid", nodeUUID, "error", err)
			p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAgentHealth handles GET /api/v1/agents/{uuid}/health: a live probe.
func (p *Panel) handleAgentHealth(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	st, err := p.CheckHealth(r.Context(), nodeUUID)
	if errors.Is(err, registry.ErrAgentNotFound) {
		p.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		p.logger.Error("health check failed", "node_uuid", nodeUUID, "error", err)
		p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	p.sendJSON(w, http.StatusOK, st)
}

// handleAgentHistory handles GET /api/v1/agents/{uuid}/history: the
// audited state transitions, newest first, limited by ?limit=N.
func (p *Panel) handleAgentHistory(w http.ResponseWriter, r *http.Request, nodeUUID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			p.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 500 {
			limit = 500
		}
	}

	transitions, err := p.StateHistory(r.Context(), nodeUUID, limit)
	if err != nil {
		p.logger.Error("failed to list state transitions", "node_uuid", nodeUUID, "error", err)
		p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	p.sendJSON(w, http.StatusOK, transitions)
}

// handleHealthSummary handles GET /api/v1/health: probes every eligible
// agent and returns the full picture.
func (p *Panel) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p.sendJSON(w, http.StatusOK, p.CheckAllHealth(r.Context()))
}

// handleCommands handles POST /api/v1/commands.
func (p *Panel) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CommandAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	action, err := protocol.ParseAction(req.Action)
	if err != nil {
		p.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload, err = protocol.DecodePayload(action, req.Payload)
		if err != nil {
			p.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := p.SendCommand(r.Context(), CommandRequest{
		NodeUUID: req.NodeUUID,
		ServerID: req.ServerID,
		Action:   action,
		Payload:  payload,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	})

	switch {
	case err == nil:
		p.sendJSON(w, http.StatusOK, resp)
	case errors.Is(err, ErrUnmappedServer):
		p.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrRateLimitExceeded):
		var rl *dispatch.RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter().Seconds())+1))
		}
		p.sendJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, dispatch.ErrAgentUnreachable):
		p.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrAgentTimeout):
		p.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, dispatch.ErrAgentRejected):
		// The agent answered; pass its terminal response through when we
		// have one so the caller sees the agent's own message.
		if resp != nil {
			p.sendJSON(w, http.StatusBadGateway, resp)
			return
		}
		p.sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		p.logger.Error("command dispatch failed", "error", err)
		p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleServers handles POST and DELETE /api/v1/servers (server to node
// mappings). DELETE takes ?server_id=X.
func (p *Panel) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req MapServerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			p.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ServerID == "" || req.NodeUUID == "" {
			p.sendJSONError(w, http.StatusBadRequest, "serverId and nodeUuid are required")
			return
		}
		err := p.MapServer(r.Context(), req.ServerID, req.NodeUUID)
		if errors.Is(err, registry.ErrAgentNotFound) {
			p.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		if err != nil {
			p.logger.Error("failed to map server", "server_id", req.ServerID, "error", err)
			p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		serverID := r.URL.Query().Get("server_id")
		if serverID == "" {
			p.sendJSONError(w, http.StatusBadRequest, "server_id query param required")
			return
		}
		if err := p.UnmapServer(r.Context(), serverID); err != nil {
			p.logger.Error("failed to unmap server", "server_id", serverID, "error", err)
			p.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEventStream handles GET /api/v1/events: relays hub events to the
// client as Server-Sent Events.
func (p *Panel) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		p.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Buffered so a slow SSE client drops events instead of blocking the
	// hub's delivery goroutine.
	eventCh := make(chan *protocol.Event, 64)
	cancel := p.hub.SubscribeAll(func(ev *protocol.Event) {
		select {
		case eventCh <- ev:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-eventCh:
			data, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("failed to marshal SSE event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// agentResponse converts a registry snapshot to its JSON shape.
func agentResponse(rec registry.AgentRecord) AgentResponse {
	resp := AgentResponse{
		NodeUUID:     rec.Identity.NodeUUID,
		BaseURL:      rec.Identity.BaseURL,
		State:        string(rec.State),
		Version:      rec.Version,
		Capabilities: rec.Capabilities,
		LastError:    rec.LastError,
	}
	if !rec.LastHealthCheck.IsZero() {
		resp.LastHealthCheck = rec.LastHealthCheck.Format(time.RFC3339)
	}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = rec.LastSeen.Format(time.RFC3339)
	}
	return resp
}

// sendJSON writes a JSON response body.
func (p *Panel) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (p *Panel) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
