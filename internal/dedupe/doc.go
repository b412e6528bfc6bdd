// Package dedupe suppresses redelivered agent events. Event channels
// reconnect aggressively, and agents replay their recent pushes after a
// reconnect, so delivery to the hub is at-least-once. Keys expire after
// a TTL and the cache is size-capped.
package dedupe
