// Package events maintains the push event stream between agents and the
// panel.
//
// Each agent gets one Channel: a websocket client that authenticates with
// the agent's API key and a service token, heartbeats with pings, and
// reconnects with capped exponential backoff. The backoff budget is
// bounded; once it is spent the channel stays disconnected until an
// explicit Connect, so a dead agent cannot keep the panel dialing
// forever.
//
// The Hub owns the channels and fans inbound events out to panel
// subscribers. Command results are special-cased: they resolve the
// dispatcher's pending command table instead of reaching subscribers.
package events
