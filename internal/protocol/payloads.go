// ABOUTME: Typed payloads for each command action kind.
// ABOUTME: Replaces open-ended JSON maps with a closed set of payload structs.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ServerStartPayload configures a server start or restart.
type ServerStartPayload struct {
	ServerID string `json:"serverId"`
	// SaveOnStop only applies to restart.
	SaveOnStop bool `json:"saveOnStop,omitempty"`
}

// ServerStopPayload configures a server stop.
type ServerStopPayload struct {
	ServerID string `json:"serverId"`
	Force    bool   `json:"force,omitempty"`
}

// ServerCommandPayload runs a console command on a server.
type ServerCommandPayload struct {
	ServerID string `json:"serverId"`
	Command  string `json:"command"`
}

// FileListPayload lists a directory under the server root.
type FileListPayload struct {
	ServerID string `json:"serverId"`
	Path     string `json:"path"`
}

// FileReadPayload reads a file under the server root.
type FileReadPayload struct {
	ServerID string `json:"serverId"`
	Path     string `json:"path"`
}

// FileWritePayload writes a file under the server root.
type FileWritePayload struct {
	ServerID string `json:"serverId"`
	Path     string `json:"path"`
	Content  []byte `json:"content"`
}

// MetricsCollectPayload requests a metrics snapshot.
type MetricsCollectPayload struct {
	ServerID string `json:"serverId,omitempty"`
}

// payloadFor returns a fresh payload struct for the given action, or nil
// for actions that carry no payload beyond the envelope.
func payloadFor(a Action) any {
	switch a {
	case ActionServerStart, ActionServerRestart:
		return &ServerStartPayload{}
	case ActionServerStop:
		return &ServerStopPayload{}
	case ActionServerCommand:
		return &ServerCommandPayload{}
	case ActionFileList:
		return &FileListPayload{}
	case ActionFileRead:
		return &FileReadPayload{}
	case ActionFileWrite:
		return &FileWritePayload{}
	case ActionMetricsCollect:
		return &MetricsCollectPayload{}
	default:
		return nil
	}
}

// DecodePayload decodes raw JSON into the typed payload for the action.
// Unknown fields are rejected so payload drift surfaces immediately.
func DecodePayload(a Action, raw json.RawMessage) (any, error) {
	if _, ok := knownActions[a]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	p := payloadFor(a)
	if len(raw) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", a, err)
	}
	return p, nil
}
