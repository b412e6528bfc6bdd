// ABOUTME: In-memory table of known agents: identity, health state, capabilities.
// ABOUTME: Single source of truth for agent state; mutations are serialized per node.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry errors
var (
	// ErrAgentNotFound indicates the specified agent was not found.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrIllegalTransition indicates a connection-state change outside the
	// allowed edges. The record is left untouched.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// AgentIdentity is the stable identity of a node's agent. Immutable once
// created except for BaseURL rotation.
type AgentIdentity struct {
	NodeUUID string
	BaseURL  string
	APIKey   string
}

// AgentRecord is the registry's view of one agent.
type AgentRecord struct {
	Identity        AgentIdentity
	State           ConnectionState
	LastHealthCheck time.Time
	LastSeen        time.Time
	LastError       string
	Capabilities    []string
	Version         string
}

// clone returns a deep copy so callers never observe a torn record.
func (r *AgentRecord) clone() AgentRecord {
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	return out
}

// Filter narrows List results.
type Filter struct {
	States     []ConnectionState
	Capability string
}

func (f *Filter) matches(rec *AgentRecord) bool {
	if f == nil {
		return true
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if rec.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Capability != "" {
		ok := false
		for _, c := range rec.Capabilities {
			if c == f.Capability {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// StateListener observes committed state transitions. Listeners are invoked
// outside the per-node lock.
type StateListener func(nodeUUID string, from, to ConnectionState, reason string)

// entry pairs a record with its own mutex so updates for one node never
// serialize behind updates for another.
type entry struct {
	mu  sync.Mutex
	rec AgentRecord
}

// Registry tracks every known agent. Exactly one record exists per node
// UUID. Health failures only ever change state; records are removed solely
// by explicit unregistration.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *slog.Logger

	listenerMu sync.RWMutex
	listeners  []StateListener
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger.With("component", "registry"),
	}
}

// Subscribe registers a listener for committed state transitions.
func (r *Registry) Subscribe(fn StateListener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(nodeUUID string, from, to ConnectionState, reason string) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(nodeUUID, from, to, reason)
	}
}

// lookup returns the entry for a node, or nil.
func (r *Registry) lookup(nodeUUID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[nodeUUID]
}

// getOrCreate returns the entry for a node, creating it in the given
// initial state when absent. The second return reports whether it existed.
func (r *Registry) getOrCreate(id AgentIdentity, initial ConnectionState) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[id.NodeUUID]; ok {
		return e, true
	}
	e := &entry{rec: AgentRecord{Identity: id, State: initial}}
	r.agents[id.NodeUUID] = e
	return e, false
}

// Upsert inserts a record discovered by the Discovery Engine, or refreshes
// the identity of an existing one. Existing connection state is preserved.
func (r *Registry) Upsert(rec AgentRecord) {
	if rec.State == "" {
		rec.State = StateDiscovering
	}
	e, existed := r.getOrCreate(rec.Identity, rec.State)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !existed {
		e.rec = rec.clone()
		r.logger.Debug("agent record created",
			"node_uuid", rec.Identity.NodeUUID,
			"state", rec.State,
		)
		return
	}

	if rec.Identity.BaseURL != "" {
		e.rec.Identity.BaseURL = rec.Identity.BaseURL
	}
	if rec.Identity.APIKey != "" {
		e.rec.Identity.APIKey = rec.Identity.APIKey
	}
	if rec.Version != "" {
		e.rec.Version = rec.Version
	}
	if rec.Capabilities != nil {
		e.rec.Capabilities = append([]string(nil), rec.Capabilities...)
	}
	if !rec.LastSeen.IsZero() {
		e.rec.LastSeen = rec.LastSeen
	}
}

// Register promotes a node to Registered state, creating the record if
// discovery never saw it. Re-registering an existing agent rotates BaseURL
// and APIKey without resetting its health state, except for Failed agents,
// which require explicit re-registration to become eligible again.
func (r *Registry) Register(id AgentIdentity) error {
	if id.NodeUUID == "" {
		return fmt.Errorf("node uuid is required")
	}
	if id.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}

	e, existed := r.getOrCreate(id, StateRegistered)

	e.mu.Lock()

	if !existed {
		e.rec.LastSeen = time.Now()
		e.mu.Unlock()
		r.logger.Info("agent registered",
			"node_uuid", id.NodeUUID,
			"base_url", id.BaseURL,
		)
		r.notify(id.NodeUUID, "", StateRegistered, "registered")
		return nil
	}

	e.rec.Identity.BaseURL = id.BaseURL
	if id.APIKey != "" {
		e.rec.Identity.APIKey = id.APIKey
	}
	e.rec.LastSeen = time.Now()

	from := e.rec.State
	switch from {
	case StateDiscovering, StateFound, StateFailed:
		// Explicit registration is the one path that may pull a candidate
		// or a Failed agent back to Registered.
		e.rec.State = StateRegistered
		e.rec.LastError = ""
		e.mu.Unlock()
		r.logger.Info("agent registered",
			"node_uuid", id.NodeUUID,
			"base_url", id.BaseURL,
			"previous_state", from,
		)
		r.notify(id.NodeUUID, from, StateRegistered, "registered")
	default:
		// Already registered or healthier; identity rotation only.
		e.mu.Unlock()
	}
	return nil
}

// Get returns a snapshot of the record for a node.
func (r *Registry) Get(nodeUUID string) (AgentRecord, bool) {
	e := r.lookup(nodeUUID)
	if e == nil {
		return AgentRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), true
}

// List returns snapshots of all records matching the filter.
func (r *Registry) List(filter *Filter) []AgentRecord {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]AgentRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.matches(&e.rec) {
			out = append(out, e.rec.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Remove deletes the record for a node. Only explicit unregistration calls
// this; health failures never do.
func (r *Registry) Remove(nodeUUID string) bool {
	r.mu.Lock()
	e, ok := r.agents[nodeUUID]
	if ok {
		delete(r.agents, nodeUUID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	from := e.rec.State
	e.mu.Unlock()

	r.logger.Info("agent unregistered", "node_uuid", nodeUUID, "state", from)
	return true
}

// SetState applies a connection-state transition. Illegal transitions are
// rejected with ErrIllegalTransition and logged; the record is unchanged.
// A same-state call refreshes LastHealthCheck without notifying listeners.
func (r *Registry) SetState(nodeUUID string, to ConnectionState, lastError string) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, to)
	}
	e := r.lookup(nodeUUID)
	if e == nil {
		return ErrAgentNotFound
	}

	e.mu.Lock()
	from := e.rec.State
	if !CanTransition(from, to) {
		e.mu.Unlock()
		r.logger.Warn("rejected illegal state transition",
			"node_uuid", nodeUUID,
			"from", from,
			"to", to,
		)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	e.rec.State = to
	e.rec.LastHealthCheck = time.Now()
	e.rec.LastError = lastError
	e.mu.Unlock()

	if from != to {
		r.logger.Info("agent state changed",
			"node_uuid", nodeUUID,
			"from", from,
			"to", to,
			"reason", lastError,
		)
		r.notify(nodeUUID, from, to, lastError)
	}
	return nil
}

// MarkSeen refreshes discovery metadata for a node without touching its
// connection state. Used when re-discovery finds an already-registered agent.
func (r *Registry) MarkSeen(nodeUUID, version string, capabilities []string) error {
	e := r.lookup(nodeUUID)
	if e == nil {
		return ErrAgentNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rec.LastSeen = time.Now()
	if version != "" {
		e.rec.Version = version
	}
	if capabilities != nil {
		e.rec.Capabilities = append([]string(nil), capabilities...)
	}
	return nil
}

// Seed loads persisted node identities into the registry at startup. Seeded
// agents begin in Registered state; the health monitor decides the rest.
func (r *Registry) Seed(identities []AgentIdentity) {
	for _, id := range identities {
		if id.NodeUUID == "" {
			continue
		}
		e, existed := r.getOrCreate(id, StateRegistered)
		if existed {
			e.mu.Lock()
			e.rec.Identity = id
			e.mu.Unlock()
		}
	}
	r.logger.Info("registry seeded", "total_agents", len(identities))
}

// Len returns the number of known agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
