// Package registry is the single source of truth for agent state.
//
// # Records
//
// One AgentRecord exists per node UUID. Records are created by discovery
// or explicit registration, promoted through their lifecycle by the health
// monitor, and removed only by explicit unregistration. Health failures
// change state; they never delete, so audit history survives outages.
//
// # State machine
//
// Connection states move only along the allowed edges:
//
//	Discovering -> Found -> Registered -> Online <-> Degraded -> Offline
//
// with Failed reachable from Registered, Online, Degraded, and Offline on
// unrecoverable errors. Registered may drop straight to Offline when the
// first probe fails. Offline recovers to Online when a probe succeeds.
// Failed agents require explicit re-registration.
//
// # Concurrency
//
// Each record carries its own mutex, so a slow update for one node never
// blocks reads or writes for another. All reads return deep-copied
// snapshots; callers never observe a record mid-update.
package registry
