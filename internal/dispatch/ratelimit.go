// ABOUTME: Fixed-window per-agent rate limiter for command dispatch.
// ABOUTME: Excess requests fail fast with reset metadata; nothing is ever queued.

package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimitExceeded is the sentinel matched by errors.Is for
// *RateLimitError values.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError carries the reset metadata a caller needs for backoff.
type RateLimitError struct {
	NodeUUID string
	Limit    int
	Window   time.Duration
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests per %s, resets at %s",
		e.NodeUUID, e.Limit, e.Window, e.ResetAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrRateLimitExceeded) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter returns how long the caller should wait before retrying.
func (e *RateLimitError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// window is one agent's fixed counting window, anchored at its first
// request.
type window struct {
	start time.Time
	count int
}

// rateLimiter enforces maxRequests per windowLen per agent with a fixed
// window counter. The window anchors at the first request after a reset,
// which keeps memory bounded at one counter per agent.
type rateLimiter struct {
	mu        sync.Mutex
	max       int
	windowLen time.Duration
	windows   map[string]*window
	now       func() time.Time
}

func newRateLimiter(max int, windowLen time.Duration) *rateLimiter {
	return &rateLimiter{
		max:       max,
		windowLen: windowLen,
		windows:   make(map[string]*window),
		now:       time.Now,
	}
}

// allow consumes one slot for the node, or returns a *RateLimitError when
// the window is exhausted.
func (l *rateLimiter) allow(nodeUUID string) error {
	if l.max <= 0 {
		return nil // limiter disabled
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[nodeUUID]
	if !ok || now.Sub(w.start) >= l.windowLen {
		w = &window{start: now}
		l.windows[nodeUUID] = w
	}

	if w.count >= l.max {
		return &RateLimitError{
			NodeUUID: nodeUUID,
			Limit:    l.max,
			Window:   l.windowLen,
			ResetAt:  w.start.Add(l.windowLen),
		}
	}
	w.count++
	return nil
}

// forget drops the counter for a node, used on unregistration.
func (l *rateLimiter) forget(nodeUUID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, nodeUUID)
}
