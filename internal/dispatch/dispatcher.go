// ABOUTME: Sends correlated commands to agents and resolves them by command id.
// ABOUTME: Pending table with deadline eviction; exactly one terminal outcome per command.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// Dispatcher errors
var (
	// ErrAgentUnreachable means there is no network path worth trying:
	// the agent is unknown, Offline, or Failed, or the connection failed.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrAgentTimeout means the command's deadline passed with no
	// correlated response.
	ErrAgentTimeout = errors.New("agent timeout")

	// ErrAgentRejected means the agent answered and refused the command.
	ErrAgentRejected = errors.New("agent rejected command")

	// ErrDuplicateCommand means a command id collided with one in flight.
	ErrDuplicateCommand = errors.New("duplicate command id")
)

// Defaults applied when a Config field is zero.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRequests   = 60
	DefaultWindow        = time.Minute
	DefaultSweepInterval = 5 * time.Second
)

// Config controls timeouts and per-agent rate limiting.
type Config struct {
	DefaultTimeout time.Duration
	MaxRequests    int
	Window         time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Sender performs the authenticated command POST against one agent.
type Sender interface {
	SendCommand(ctx context.Context, target agentclient.Target, env *protocol.CommandEnvelope) (*protocol.CommandResponse, error)
}

// AgentLookup is the registry surface the dispatcher reads. It never
// writes connection state; that belongs to the health monitor.
type AgentLookup interface {
	Get(nodeUUID string) (registry.AgentRecord, bool)
}

// pendingCommand is one in-flight command awaiting its correlated
// response. The channel is buffered so the resolver never blocks.
type pendingCommand struct {
	nodeUUID string
	deadline time.Time
	ch       chan *protocol.CommandResponse
}

// Dispatcher owns the pending-command table and per-agent rate limits.
type Dispatcher struct {
	sender  Sender
	agents  AgentLookup
	cfg     Config
	limiter *rateLimiter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher.
func New(sender Sender, agents AgentLookup, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		sender:  sender,
		agents:  agents,
		cfg:     cfg,
		limiter: newRateLimiter(cfg.MaxRequests, cfg.Window),
		pending: make(map[string]*pendingCommand),
		logger:  logger.With("component", "dispatch"),
	}
}

// Start launches the defensive sweep loop that evicts expired pending
// entries even if a command's own timer was lost.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Send dispatches one command to an agent and blocks until a terminal
// outcome: a correlated response, or ErrAgentTimeout at the deadline.
// Exactly one of those occurs, never both.
func (d *Dispatcher) Send(ctx context.Context, nodeUUID, serverID string, action protocol.Action, payload any, timeout time.Duration) (*protocol.CommandResponse, error) {
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	rec, ok := d.agents.Get(nodeUUID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent %s", ErrAgentUnreachable, nodeUUID)
	}
	if !rec.State.Reachable() {
		// Known-dead agents fail immediately, without network I/O.
		return nil, fmt.Errorf("%w: agent %s is %s", ErrAgentUnreachable, nodeUUID, rec.State)
	}

	if err := d.limiter.allow(nodeUUID); err != nil {
		return nil, err
	}

	commandID := uuid.New().String()
	env := &protocol.CommandEnvelope{
		ID:        commandID,
		Action:    action,
		ServerID:  serverID,
		Timestamp: time.Now(),
		Metadata: protocol.CommandMetadata{
			RequestID: uuid.New().String(),
			TimeoutMS: timeout.Milliseconds(),
		},
		Payload: payload,
	}

	pc, err := d.register(commandID, nodeUUID, timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.sender.SendCommand(ctx, agentclient.Target{
		NodeUUID: rec.Identity.NodeUUID,
		BaseURL:  rec.Identity.BaseURL,
		APIKey:   rec.Identity.APIKey,
	}, env)

	if err != nil {
		d.evict(commandID)
		switch {
		case errors.Is(err, agentclient.ErrRejected):
			return nil, fmt.Errorf("%w: %v", ErrAgentRejected, err)
		case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
			return nil, fmt.Errorf("%w: no response within %s", ErrAgentTimeout, timeout)
		default:
			return nil, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
		}
	}

	if resp.CommandID != commandID {
		d.evict(commandID)
		return nil, fmt.Errorf("%w: response correlates to %s, sent %s", protocol.ErrProtocolMismatch, resp.CommandID, commandID)
	}

	if resp.Terminal() {
		d.evict(commandID)
		return d.finish(resp)
	}

	// Agent accepted the command and will deliver the result over the
	// event channel; wait for HandleResponse or the deadline.
	return d.wait(pc, commandID, timeout)
}

// finish maps a terminal response to the caller-facing result.
func (d *Dispatcher) finish(resp *protocol.CommandResponse) (*protocol.CommandResponse, error) {
	switch resp.Status {
	case protocol.StatusError:
		return resp, fmt.Errorf("%w: %s", ErrAgentRejected, resp.Message)
	case protocol.StatusTimeout:
		return nil, ErrAgentTimeout
	default:
		return resp, nil
	}
}

// wait blocks until the pending command resolves or its deadline passes.
func (d *Dispatcher) wait(pc *pendingCommand, commandID string, timeout time.Duration) (*protocol.CommandResponse, error) {
	// The deadline was fixed at register time, before the HTTP exchange;
	// time already spent on the wire counts against it.
	timer := time.NewTimer(time.Until(pc.deadline))
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		return d.finish(resp)
	case <-timer.C:
		if d.evict(commandID) {
			return nil, fmt.Errorf("%w: no response within %s", ErrAgentTimeout, timeout)
		}
		// Lost the race: whoever removed the entry is committed to sending
		// on the buffered channel, so this receive cannot block for long.
		resp := <-pc.ch
		return d.finish(resp)
	}
}

// HandleResponse resolves a pending command from an asynchronous
// correlated response, typically a command_result event. Responses for
// unknown ids are logged and discarded.
func (d *Dispatcher) HandleResponse(resp *protocol.CommandResponse) bool {
	if resp == nil || resp.CommandID == "" {
		return false
	}
	if !resp.Terminal() {
		d.logger.Debug("ignoring non-terminal command response",
			"command_id", resp.CommandID,
			"status", resp.Status,
		)
		return false
	}

	d.mu.Lock()
	pc, ok := d.pending[resp.CommandID]
	if ok {
		delete(d.pending, resp.CommandID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("received response for unknown command",
			"command_id", resp.CommandID,
		)
		return false
	}

	pc.ch <- resp
	return true
}

// register adds a pending entry before any network I/O.
func (d *Dispatcher) register(commandID, nodeUUID string, timeout time.Duration) (*pendingCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[commandID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, commandID)
	}
	pc := &pendingCommand{
		nodeUUID: nodeUUID,
		deadline: time.Now().Add(timeout),
		ch:       make(chan *protocol.CommandResponse, 1),
	}
	d.pending[commandID] = pc
	return pc, nil
}

// evict removes a pending entry. Returns true if this call removed it,
// false if a response already resolved it.
func (d *Dispatcher) evict(commandID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[commandID]; !ok {
		return false
	}
	delete(d.pending, commandID)
	return true
}

// sweep evicts expired pending entries and unblocks their waiters with a
// synthesized timeout response.
func (d *Dispatcher) sweep() {
	now := time.Now()

	d.mu.Lock()
	var expired []*pendingCommand
	var ids []string
	for id, pc := range d.pending {
		if now.After(pc.deadline) {
			delete(d.pending, id)
			expired = append(expired, pc)
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for i, pc := range expired {
		pc.ch <- &protocol.CommandResponse{
			CommandID: ids[i],
			Status:    protocol.StatusTimeout,
			Timestamp: now,
		}
		d.logger.Warn("swept expired pending command",
			"command_id", ids[i],
			"node_uuid", pc.nodeUUID,
		)
	}
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Forget drops rate-limit state for an unregistered agent.
func (d *Dispatcher) Forget(nodeUUID string) {
	d.limiter.forget(nodeUUID)
}
