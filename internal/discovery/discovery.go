// ABOUTME: Probes candidate network locations to find running agents.
// ABOUTME: Bounded-concurrency worker pool; partial results survive failed probes.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// Defaults applied when a Config field is zero.
const (
	DefaultTimeoutPerProbe  = 5 * time.Second
	DefaultConcurrencyLimit = 8
)

// Status classifies a discovery candidate.
type Status string

const (
	StatusDiscovering Status = "discovering"
	StatusFound       Status = "found"
	StatusFailed      Status = "failed"
)

// Config controls one discovery pass.
type Config struct {
	Hosts            []string      `yaml:"hosts"`
	Ports            []int         `yaml:"ports"`
	Protocols        []string      `yaml:"protocols"`
	TimeoutPerProbe  time.Duration `yaml:"-"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`

	TimeoutPerProbeRaw string `yaml:"timeout_per_probe"`
}

// Candidate is the ephemeral result of one probe. Candidates never share
// identity with registry records until an explicit registration links them.
type Candidate struct {
	ProbeID      string   `json:"probeId"`
	NodeUUID     string   `json:"nodeUuid,omitempty"`
	BaseURL      string   `json:"baseUrl"`
	Status       Status   `json:"status"`
	Error        string   `json:"error,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Registered   bool     `json:"registered"`
}

// Prober performs the identification handshake against a base URL.
type Prober interface {
	Identify(ctx context.Context, baseURL string, timeout time.Duration) (*protocol.HealthProbeResponse, error)
}

// AgentDirectory is the registry surface discovery needs: enough to
// recognize already-registered agents and refresh their metadata.
type AgentDirectory interface {
	Get(nodeUUID string) (registry.AgentRecord, bool)
	MarkSeen(nodeUUID, version string, capabilities []string) error
}

// Engine runs discovery passes. Results are returned, never
// auto-registered; registration is a separate authenticated step.
type Engine struct {
	prober Prober
	dir    AgentDirectory
	logger *slog.Logger
}

// New creates a discovery Engine.
func New(prober Prober, dir AgentDirectory, logger *slog.Logger) *Engine {
	return &Engine{
		prober: prober,
		dir:    dir,
		logger: logger.With("component", "discovery"),
	}
}

// Discover probes every (host, protocol, port) combination in the config
// with bounded concurrency. Every probe yields exactly one candidate; a
// failed probe is recorded as StatusFailed with its error string and never
// aborts the batch.
func (e *Engine) Discover(ctx context.Context, cfg Config) []Candidate {
	timeout := cfg.TimeoutPerProbe
	if timeout <= 0 {
		timeout = DefaultTimeoutPerProbe
	}
	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}
	protocols := cfg.Protocols
	if len(protocols) == 0 {
		protocols = []string{"http"}
	}

	var targets []string
	for _, host := range cfg.Hosts {
		for _, proto := range protocols {
			for _, port := range cfg.Ports {
				targets = append(targets, fmt.Sprintf("%s://%s:%d", proto, host, port))
			}
		}
	}

	e.logger.Info("starting discovery pass",
		"targets", len(targets),
		"concurrency", limit,
		"timeout_per_probe", timeout,
	)

	results := make([]Candidate, len(targets))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, baseURL := range targets {
		wg.Add(1)
		go func(idx int, url string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.probe(ctx, url, timeout)
		}(i, baseURL)
	}
	wg.Wait()

	found := 0
	for _, c := range results {
		if c.Status == StatusFound {
			found++
		}
	}
	e.logger.Info("discovery pass complete", "probes", len(results), "found", found)

	return results
}

// probe runs a single identification probe and classifies the result.
func (e *Engine) probe(ctx context.Context, baseURL string, timeout time.Duration) Candidate {
	cand := Candidate{
		ProbeID: uuid.New().String(),
		BaseURL: baseURL,
		Status:  StatusDiscovering,
	}

	hs, err := e.prober.Identify(ctx, baseURL, timeout)
	if err != nil {
		cand.Status = StatusFailed
		cand.Error = err.Error()
		e.logger.Debug("probe failed", "base_url", baseURL, "error", err)
		return cand
	}

	cand.Status = StatusFound
	cand.NodeUUID = hs.NodeID
	cand.Version = hs.Version
	cand.Capabilities = hs.Capabilities

	// Re-discovery of a known agent refreshes metadata instead of
	// producing a duplicate record.
	if rec, ok := e.dir.Get(hs.NodeID); ok && rec.State != registry.StateDiscovering && rec.State != registry.StateFound {
		cand.Registered = true
		if err := e.dir.MarkSeen(hs.NodeID, hs.Version, hs.Capabilities); err != nil {
			e.logger.Warn("refreshing known agent", "node_uuid", hs.NodeID, "error", err)
		}
	}

	e.logger.Debug("probe found agent",
		"base_url", baseURL,
		"node_uuid", hs.NodeID,
		"version", hs.Version,
	)
	return cand
}
