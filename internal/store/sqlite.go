// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides node/mapping persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			node_uuid  TEXT PRIMARY KEY,
			base_url   TEXT NOT NULL,
			api_key    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS server_mappings (
			server_id  TEXT PRIMARY KEY,
			node_uuid  TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (node_uuid) REFERENCES nodes(node_uuid) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_server_mappings_node
			ON server_mappings(node_uuid);

		CREATE TABLE IF NOT EXISTS state_transitions (
			id         TEXT PRIMARY KEY,
			node_uuid  TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			reason     TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_state_transitions_node
			ON state_transitions(node_uuid, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveNode inserts a node or updates its base URL and API key.
func (s *SQLiteStore) SaveNode(ctx context.Context, node *Node) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_uuid, base_url, api_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_uuid) DO UPDATE SET
			base_url = excluded.base_url,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at
	`, node.NodeUUID, node.BaseURL, node.APIKey, now, now)
	if err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by UUID.
func (s *SQLiteStore) GetNode(ctx context.Context, nodeUUID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_uuid, base_url, api_key, created_at, updated_at
		FROM nodes WHERE node_uuid = ?
	`, nodeUUID)

	var n Node
	err := row.Scan(&n.NodeUUID, &n.BaseURL, &n.APIKey, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return &n, nil
}

// ListNodes returns all persisted nodes.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_uuid, base_url, api_key, created_at, updated_at
		FROM nodes ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.NodeUUID, &n.BaseURL, &n.APIKey, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

// DeleteNode removes a node and, via cascade, its server mappings.
func (s *SQLiteStore) DeleteNode(ctx context.Context, nodeUUID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_uuid = ?`, nodeUUID)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveServerMapping inserts or replaces a server's owning node.
func (s *SQLiteStore) SaveServerMapping(ctx context.Context, m *ServerMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_mappings (server_id, node_uuid, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET node_uuid = excluded.node_uuid
	`, m.ServerID, m.NodeUUID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving server mapping: %w", err)
	}
	return nil
}

// GetServerMapping resolves which node owns a server.
func (s *SQLiteStore) GetServerMapping(ctx context.Context, serverID string) (*ServerMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, node_uuid, created_at
		FROM server_mappings WHERE server_id = ?
	`, serverID)

	var m ServerMapping
	err := row.Scan(&m.ServerID, &m.NodeUUID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server mapping: %w", err)
	}
	return &m, nil
}

// DeleteServerMapping removes a server's mapping.
func (s *SQLiteStore) DeleteServerMapping(ctx context.Context, serverID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM server_mappings WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("deleting server mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordStateTransition appends one audit entry. Best-effort callers may
// ignore the error; the registry state itself is never blocked on audit.
func (s *SQLiteStore) RecordStateTransition(ctx context.Context, t *StateTransition) error {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_transitions (id, node_uuid, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, t.NodeUUID, t.FromState, t.ToState, t.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording state transition: %w", err)
	}
	return nil
}

// ListStateTransitions returns the most recent transitions for a node,
// newest first.
func (s *SQLiteStore) ListStateTransitions(ctx context.Context, nodeUUID string, limit int) ([]*StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_uuid, from_state, to_state, reason, created_at
		FROM state_transitions
		WHERE node_uuid = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, nodeUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying state transitions: %w", err)
	}
	defer rows.Close()

	var out []*StateTransition
	for rows.Next() {
		var t StateTransition
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.NodeUUID, &t.FromState, &t.ToState, &reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning state transition: %w", err)
		}
		t.Reason = reason.String
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
