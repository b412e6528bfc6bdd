// ABOUTME: Wire contract between the panel and remote agents.
// ABOUTME: Defines command envelopes, responses, health probes, and push events.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Header names carried on every panel -> agent request.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderServiceID = "X-Service-ID"
	HeaderRequestID = "X-Request-ID"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Agent endpoint paths.
const (
	PathIdentify = "/api/v1/identify"
	PathHealth   = "/api/v1/health"
	PathCommands = "/api/v1/commands"
	PathEvents   = "/api/v1/events"
)

// ErrUnknownAction is returned when an action string is not part of the
// closed action set.
var ErrUnknownAction = errors.New("unknown action")

// Action identifies a remote operation an agent can perform. The set is
// closed so that protocol drift is caught at parse time instead of on the
// agent.
type Action string

const (
	ActionServerStart    Action = "server.start"
	ActionServerStop     Action = "server.stop"
	ActionServerRestart  Action = "server.restart"
	ActionServerCommand  Action = "server.command"
	ActionFileList       Action = "file.list"
	ActionFileRead       Action = "file.read"
	ActionFileWrite      Action = "file.write"
	ActionMetricsCollect Action = "metrics.collect"
)

var knownActions = map[Action]struct{}{
	ActionServerStart:    {},
	ActionServerStop:     {},
	ActionServerRestart:  {},
	ActionServerCommand:  {},
	ActionFileList:       {},
	ActionFileRead:       {},
	ActionFileWrite:      {},
	ActionMetricsCollect: {},
}

// ParseAction validates an action string against the closed action set.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := knownActions[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// CommandMetadata carries per-command routing hints.
type CommandMetadata struct {
	RequestID string `json:"requestId"`
	Priority  string `json:"priority,omitempty"`
	TimeoutMS int64  `json:"timeout,omitempty"`
}

// CommandEnvelope is the body POSTed to an agent's command endpoint.
type CommandEnvelope struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	ServerID  string          `json:"serverId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  CommandMetadata `json:"metadata"`
	Payload   any             `json:"payload,omitempty"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusPending = "pending"
)

// CommandResponse correlates back to a CommandEnvelope by CommandID. An
// agent may answer inline with a terminal status, or answer
// StatusPending and deliver the terminal response later over the event
// channel.
type CommandResponse struct {
	CommandID     string    `json:"commandId"`
	Status        string    `json:"status"`
	ServerID      string    `json:"serverId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	ExecutionTime int64     `json:"executionTime,omitempty"`
	Message       string    `json:"message,omitempty"`
	Data          any       `json:"data,omitempty"`
	NextAction    string    `json:"nextAction,omitempty"`
}

// Terminal reports whether the response is a final outcome for its command.
func (r *CommandResponse) Terminal() bool {
	return r.Status != StatusPending
}

// HealthProbeResponse is the handshake an agent returns from both the
// identify and health endpoints. Every field is required; a body missing
// any of them is a protocol mismatch, not a healthy agent.
type HealthProbeResponse struct {
	NodeID       string   `json:"nodeId"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Connected    bool     `json:"connected"`
}

// ErrProtocolMismatch indicates an agent response that does not match the
// expected schema. Treated as a harder failure than a timeout.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// Validate checks that all required handshake fields are present.
func (h *HealthProbeResponse) Validate() error {
	if h.NodeID == "" {
		return fmt.Errorf("%w: missing nodeId", ErrProtocolMismatch)
	}
	if h.Version == "" {
		return fmt.Errorf("%w: missing version", ErrProtocolMismatch)
	}
	if h.Capabilities == nil {
		return fmt.Errorf("%w: missing capabilities", ErrProtocolMismatch)
	}
	return nil
}

// EventType tags push events flowing from agents to the panel.
type EventType string

const (
	EventStatusUpdate      EventType = "status_update"
	EventMetricsUpdate     EventType = "metrics_update"
	EventCommandResult     EventType = "command_result"
	EventAgentConnected    EventType = "agent_connected"
	EventAgentDisconnected EventType = "agent_disconnected"
)

// Event is a single push message on the agent event channel.
type Event struct {
	Type      EventType `json:"type"`
	NodeUUID  string    `json:"nodeUuid"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// DecodeData unmarshals the event payload into v. After a JSON decode the
// payload is a generic map; round-tripping through json recovers the typed
// shape.
func (e *Event) DecodeData(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("%w: encoding event data: %v", ErrProtocolMismatch, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decoding event data: %v", ErrProtocolMismatch, err)
	}
	return nil
}
