// ABOUTME: Connection state enum for agent records and the legal transition set.
// ABOUTME: Transitions outside the allowed edges are rejected, never applied.

package registry

// ConnectionState describes where an agent sits in its lifecycle.
type ConnectionState string

const (
	StateDiscovering ConnectionState = "discovering"
	StateFound       ConnectionState = "found"
	StateRegistered  ConnectionState = "registered"
	StateOnline      ConnectionState = "online"
	StateDegraded    ConnectionState = "degraded"
	StateOffline     ConnectionState = "offline"
	StateFailed      ConnectionState = "failed"
)

// Valid reports whether s is a known connection state.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateDiscovering, StateFound, StateRegistered, StateOnline, StateDegraded, StateOffline, StateFailed:
		return true
	}
	return false
}

// Reachable reports whether an agent in this state is worth attempting
// network I/O against. Dispatch to Offline or Failed agents short-circuits.
func (s ConnectionState) Reachable() bool {
	switch s {
	case StateRegistered, StateOnline, StateDegraded:
		return true
	}
	return false
}

// transitions maps each state to the set of states it may move to.
// Same-state updates are treated as refreshes, not transitions, and are
// always permitted.
//
// Edges:
//   - Discovering -> Found
//   - Found -> Registered
//   - Registered -> Online | Offline (first probe fails) | Failed
//   - Online <-> Degraded, either -> Failed
//   - Degraded -> Offline after the failure threshold
//   - Offline -> Online (agent recovered) | Failed
//   - Failed -> Registered (explicit re-registration only)
var transitions = map[ConnectionState]map[ConnectionState]struct{}{
	StateDiscovering: {StateFound: {}},
	StateFound:       {StateRegistered: {}},
	StateRegistered:  {StateOnline: {}, StateOffline: {}, StateFailed: {}},
	StateOnline:      {StateDegraded: {}, StateFailed: {}},
	StateDegraded:    {StateOnline: {}, StateOffline: {}, StateFailed: {}},
	StateOffline:     {StateOnline: {}, StateFailed: {}},
	StateFailed:      {StateRegistered: {}},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to ConnectionState) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
