// ABOUTME: Store interface and data types for panel persistence
// ABOUTME: Defines Node, ServerMapping, StateTransition and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Node is a persisted agent identity: the panel's durable knowledge of a
// node, used to seed the in-memory registry at startup.
type Node struct {
	NodeUUID  string
	BaseURL   string
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServerMapping records which node's agent owns a game server.
type ServerMapping struct {
	ServerID  string
	NodeUUID  string
	CreatedAt time.Time
}

// StateTransition is one audit entry for an agent connection-state change.
type StateTransition struct {
	ID        string
	NodeUUID  string
	FromState string
	ToState   string
	Reason    string
	CreatedAt time.Time
}

// Store defines the interface for node and mapping persistence
type Store interface {
	// Nodes
	SaveNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, nodeUUID string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	DeleteNode(ctx context.Context, nodeUUID string) error

	// Server -> node mappings
	SaveServerMapping(ctx context.Context, m *ServerMapping) error
	GetServerMapping(ctx context.Context, serverID string) (*ServerMapping, error)
	DeleteServerMapping(ctx context.Context, serverID string) error

	// Audit trail of connection-state changes
	RecordStateTransition(ctx context.Context, t *StateTransition) error
	ListStateTransitions(ctx context.Context, nodeUUID string, limit int) ([]*StateTransition, error)

	Close() error
}
