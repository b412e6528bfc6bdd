// Package protocol is the wire contract between the panel and agents:
// command envelopes and responses, the closed action set with typed
// payloads, the health handshake schema, push event types, and the auth
// header names every signed request carries.
package protocol
