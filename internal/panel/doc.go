// Package panel wires the agent communication components into one
// orchestrator: persistent store, in-memory registry, discovery engine,
// health monitor, command dispatcher, and event hub.
//
// The Panel owns component lifecycles. Start seeds the registry from the
// store, launches the health and sweep loops, and reattaches event
// channels for known agents; Run additionally serves the HTTP API until
// its context is canceled. Shutdown tears everything down in order.
//
// Registry state changes fan out twice: to the event hub, which turns
// them into agent_connected/agent_disconnected events, and to an audit
// listener that persists every transition.
package panel
