// ABOUTME: Periodic signed health probes driving agent connection state.
// ABOUTME: Per-agent sequence numbers keep late results from regressing fresh state.

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// Defaults applied when a Config field is zero.
const (
	DefaultInterval         = 15 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultOfflineThreshold = 3
)

// ErrIdentityMismatch indicates an agent answered a probe with a node id
// other than the one the panel expected. Treated as a security event.
var ErrIdentityMismatch = errors.New("agent identity mismatch")

// Status is the outcome of one health check.
type Status struct {
	NodeUUID  string                   `json:"nodeUuid"`
	State     registry.ConnectionState `json:"state"`
	Healthy   bool                     `json:"healthy"`
	Error     string                   `json:"error,omitempty"`
	Version   string                   `json:"version,omitempty"`
	CheckedAt time.Time                `json:"checkedAt"`
}

// Prober sends a signed health probe to one agent.
type Prober interface {
	Health(ctx context.Context, target agentclient.Target, timeout time.Duration) (*protocol.HealthProbeResponse, error)
}

// AgentStates is the registry surface the monitor drives.
type AgentStates interface {
	Get(nodeUUID string) (registry.AgentRecord, bool)
	List(filter *registry.Filter) []registry.AgentRecord
	SetState(nodeUUID string, to registry.ConnectionState, lastError string) error
	MarkSeen(nodeUUID, version string, capabilities []string) error
}

// Config controls probe cadence and failure thresholds.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	OfflineThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = DefaultOfflineThreshold
	}
	return c
}

// track is the per-agent bookkeeping: sequence numbers for ordering and
// the consecutive failure count.
type track struct {
	mu         sync.Mutex
	nextSeq    uint64
	appliedSeq uint64 // 1 + seq of the newest applied result
	failures   int
	inflight   bool
}

// Monitor polls every registered agent and applies the health state
// machine. Checks for different agents run in independent goroutines with
// independent timeouts; a hung probe for one agent never delays another.
type Monitor struct {
	probes Prober
	agents AgentStates
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	tracks map[string]*track

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor.
func New(probes Prober, agents AgentStates, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		probes: probes,
		agents: agents,
		cfg:    cfg.withDefaults(),
		tracks: make(map[string]*track),
		logger: logger.With("component", "health"),
	}
}

// Start launches the background check loop. Each tick schedules one check
// per eligible agent, skipping agents whose previous check is still in
// flight.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.logger.Info("health monitor started", "interval", m.cfg.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduleRound(ctx)
			}
		}
	}()
}

// Stop cancels the background loop and waits for in-flight checks.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// scheduleRound fires one asynchronous check per eligible agent.
func (m *Monitor) scheduleRound(ctx context.Context) {
	for _, rec := range m.agents.List(nil) {
		if !eligible(rec.State) {
			continue
		}

		tr := m.trackFor(rec.Identity.NodeUUID)
		tr.mu.Lock()
		if tr.inflight {
			tr.mu.Unlock()
			continue
		}
		tr.inflight = true
		tr.mu.Unlock()

		m.wg.Add(1)
		go func(nodeUUID string) {
			defer m.wg.Done()
			defer func() {
				tr.mu.Lock()
				tr.inflight = false
				tr.mu.Unlock()
			}()
			m.Check(ctx, nodeUUID)
		}(rec.Identity.NodeUUID)
	}
}

// eligible reports whether an agent in this state should be probed.
// Failed agents require explicit re-registration; candidates are not yet
// the health monitor's business.
func eligible(s registry.ConnectionState) bool {
	switch s {
	case registry.StateRegistered, registry.StateOnline, registry.StateDegraded, registry.StateOffline:
		return true
	}
	return false
}

func (m *Monitor) trackFor(nodeUUID string) *track {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.tracks[nodeUUID]
	if !ok {
		tr = &track{}
		m.tracks[nodeUUID] = tr
	}
	return tr
}

// Check probes one agent and applies the outcome to the registry. The
// returned Status reflects the state actually committed, which may differ
// from the probe outcome when the result arrived out of order.
func (m *Monitor) Check(ctx context.Context, nodeUUID string) (Status, error) {
	rec, ok := m.agents.Get(nodeUUID)
	if !ok {
		return Status{}, registry.ErrAgentNotFound
	}

	tr := m.trackFor(nodeUUID)
	tr.mu.Lock()
	seq := tr.nextSeq
	tr.nextSeq++
	tr.mu.Unlock()

	hs, probeErr := m.probes.Health(ctx, agentclient.Target{
		NodeUUID: rec.Identity.NodeUUID,
		BaseURL:  rec.Identity.BaseURL,
		APIKey:   rec.Identity.APIKey,
	}, m.cfg.ProbeTimeout)

	if probeErr == nil && hs.NodeID != nodeUUID {
		probeErr = fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, nodeUUID, hs.NodeID)
	}

	return m.apply(nodeUUID, tr, seq, hs, probeErr)
}

// CheckAll probes every eligible agent concurrently and returns the full
// picture. Individual failures are absorbed into per-agent status; the
// map always has one entry per eligible agent.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Status {
	recs := m.agents.List(nil)

	out := make(map[string]Status, len(recs))
	var outMu sync.Mutex
	var wg sync.WaitGroup

	for _, rec := range recs {
		if !eligible(rec.State) {
			continue
		}
		wg.Add(1)
		go func(nodeUUID string) {
			defer wg.Done()
			st, err := m.Check(ctx, nodeUUID)
			if err != nil {
				st = Status{NodeUUID: nodeUUID, Error: err.Error(), CheckedAt: time.Now()}
			}
			outMu.Lock()
			out[nodeUUID] = st
			outMu.Unlock()
		}(rec.Identity.NodeUUID)
	}
	wg.Wait()
	return out
}

// apply commits a probe outcome, discarding results that arrive after a
// newer check has already been applied.
func (m *Monitor) apply(nodeUUID string, tr *track, seq uint64, hs *protocol.HealthProbeResponse, probeErr error) (Status, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := time.Now()

	if seq < tr.appliedSeq {
		// A newer result already landed; this one is stale.
		m.logger.Debug("discarding stale health result",
			"node_uuid", nodeUUID,
			"seq", seq,
			"applied_seq", tr.appliedSeq,
		)
		rec, _ := m.agents.Get(nodeUUID)
		return Status{NodeUUID: nodeUUID, State: rec.State, Healthy: rec.State == registry.StateOnline, CheckedAt: now}, nil
	}
	tr.appliedSeq = seq + 1

	rec, ok := m.agents.Get(nodeUUID)
	if !ok {
		return Status{}, registry.ErrAgentNotFound
	}

	if probeErr == nil {
		tr.failures = 0
		if err := m.agents.SetState(nodeUUID, registry.StateOnline, ""); err != nil {
			return Status{}, err
		}
		if err := m.agents.MarkSeen(nodeUUID, hs.Version, hs.Capabilities); err != nil {
			return Status{}, err
		}
		return Status{
			NodeUUID:  nodeUUID,
			State:     registry.StateOnline,
			Healthy:   true,
			Version:   hs.Version,
			CheckedAt: now,
		}, nil
	}

	// Structurally fatal responses force Failed immediately, bypassing
	// Degraded. These suggest a compromised or misconfigured agent.
	if errors.Is(probeErr, ErrIdentityMismatch) || errors.Is(probeErr, protocol.ErrProtocolMismatch) {
		m.logger.Error("fatal health probe failure",
			"node_uuid", nodeUUID,
			"error", probeErr,
		)
		if err := m.agents.SetState(nodeUUID, registry.StateFailed, probeErr.Error()); err != nil {
			return Status{}, err
		}
		return Status{NodeUUID: nodeUUID, State: registry.StateFailed, Error: probeErr.Error(), CheckedAt: now}, nil
	}

	tr.failures++
	next := m.failureState(rec.State, tr.failures)
	if err := m.agents.SetState(nodeUUID, next, probeErr.Error()); err != nil {
		return Status{}, err
	}

	m.logger.Warn("health probe failed",
		"node_uuid", nodeUUID,
		"consecutive_failures", tr.failures,
		"state", next,
		"error", probeErr,
	)
	return Status{NodeUUID: nodeUUID, State: next, Error: probeErr.Error(), CheckedAt: now}, nil
}

// failureState picks the next state after a transient probe failure.
func (m *Monitor) failureState(current registry.ConnectionState, failures int) registry.ConnectionState {
	switch current {
	case registry.StateRegistered:
		// First probe after registration failed; no healthy baseline to
		// degrade from.
		return registry.StateOffline
	case registry.StateOffline:
		return registry.StateOffline
	case registry.StateOnline:
		// The path to Offline always passes through Degraded.
		return registry.StateDegraded
	default:
		if failures >= m.cfg.OfflineThreshold {
			return registry.StateOffline
		}
		return registry.StateDegraded
	}
}
