// ABOUTME: Panel orchestrator that wires store, registry, discovery, health, dispatch, and events.
// ABOUTME: Manages component lifecycles and exposes the operations the CLI and HTTP API call.

package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/config"
	"github.com/forgeworks/bastion/internal/discovery"
	"github.com/forgeworks/bastion/internal/dispatch"
	"github.com/forgeworks/bastion/internal/events"
	"github.com/forgeworks/bastion/internal/health"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
	"github.com/forgeworks/bastion/internal/store"
)

// DefaultServiceID identifies the panel in tokens and signed requests.
const DefaultServiceID = "bastion-panel"

// ErrUnmappedServer is returned when a command targets a server id with no
// node mapping.
var ErrUnmappedServer = errors.New("server not mapped to any node")

// Panel orchestrates the agent communication components.
type Panel struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	issuer     *auth.TokenIssuer
	client     *agentclient.Client
	discovery  *discovery.Engine
	health     *health.Monitor
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	httpServer *http.Server
	logger     *slog.Logger

	serviceID string
}

// New creates a Panel instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Panel, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return NewWithStore(cfg, s, logger)
}

// NewWithStore creates a Panel on an existing store. Tests use it to
// inject an in-memory store.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Panel, error) {
	serviceID := cfg.Server.ServiceID
	if serviceID == "" {
		serviceID = DefaultServiceID
	}

	issuer := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Permissions)
	client := agentclient.New(issuer, serviceID)
	reg := registry.New(logger)

	dispatcher := dispatch.New(client, reg, dispatch.Config{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		MaxRequests:    cfg.Dispatch.MaxRequests,
		Window:         cfg.Dispatch.Window,
		SweepInterval:  cfg.Dispatch.SweepInterval,
	}, logger)

	hub := events.NewHub(issuer, serviceID, events.ChannelConfig{
		PingInterval: cfg.Events.PingInterval,
		PongTimeout:  cfg.Events.PongTimeout,
		DialTimeout:  cfg.Events.DialTimeout,
		BackoffBase:  cfg.Events.BackoffBase,
		BackoffMax:   cfg.Events.BackoffMax,
		MaxAttempts:  cfg.Events.MaxAttempts,
	}, dispatcher, logger)

	p := &Panel{
		config:     cfg,
		store:      s,
		registry:   reg,
		issuer:     issuer,
		client:     client,
		discovery:  discovery.New(client, reg, logger),
		health:     health.New(client, reg, health.Config{
			Interval:         cfg.Health.Interval,
			ProbeTimeout:     cfg.Health.ProbeTimeout,
			OfflineThreshold: cfg.Health.OfflineThreshold,
		}, logger),
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger.With("component", "panel"),
		serviceID:  serviceID,
	}

	// Every committed state change feeds the event hub and the audit log.
	reg.Subscribe(hub.RegistryListener())
	reg.Subscribe(p.auditListener())

	p.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           p.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// auditListener persists every state transition. Persistence failures are
// logged, never propagated; the transition itself already happened.
func (p *Panel) auditListener() registry.StateListener {
	return func(nodeUUID string, from, to registry.ConnectionState, reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.store.RecordStateTransition(ctx, &store.StateTransition{
			ID:        uuid.New().String(),
			NodeUUID:  nodeUUID,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
			CreatedAt: time.Now(),
		})
		if err != nil {
			p.logger.Error("failed to record state transition",
				"node_uuid", nodeUUID,
				"from", from,
				"to", to,
				"error", err,
			)
		}
	}
}

// Start seeds the registry from persisted nodes and launches the
// background components. It does not serve HTTP; Run does.
func (p *Panel) Start(ctx context.Context) error {
	nodes, err := p.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted nodes: %w", err)
	}

	identities := make([]registry.AgentIdentity, len(nodes))
	for i, n := range nodes {
		identities[i] = registry.AgentIdentity{
			NodeUUID: n.NodeUUID,
			BaseURL:  n.BaseURL,
			APIKey:   n.APIKey,
		}
	}
	p.registry.Seed(identities)
	p.logger.Info("registry seeded", "nodes", len(identities))

	p.health.Start(ctx)
	p.dispatcher.Start(ctx)

	// Reattach event channels for known agents. A dead agent just burns
	// its channel's backoff budget; startup never blocks on it.
	for _, id := range identities {
		if err := p.hub.Attach(agentclient.Target(id)); err != nil {
			p.logger.Warn("event channel attach failed",
				"node_uuid", id.NodeUUID,
				"error", err,
			)
		}
	}

	return nil
}

// Run starts the panel and serves the HTTP API until the context is
// canceled. Returns nil on graceful shutdown.
func (p *Panel) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("HTTP server listening", "addr", p.httpServer.Addr)
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		p.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := p.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown gracefully stops all panel components and releases resources.
func (p *Panel) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down panel")

	var errs []error
	if err := p.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	p.health.Stop()
	p.dispatcher.Stop()
	if err := p.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Discover runs one discovery pass. Zero-value fields fall back to the
// panel's configured sweep.
func (p *Panel) Discover(ctx context.Context, cfg discovery.Config) []discovery.Candidate {
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = p.config.Discovery.Hosts
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = p.config.Discovery.Ports
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = p.config.Discovery.Protocols
	}
	if cfg.TimeoutPerProbe <= 0 {
		cfg.TimeoutPerProbe = p.config.Discovery.ProbeTimeout
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = p.config.Discovery.ConcurrencyLimit
	}
	return p.discovery.Discover(ctx, cfg)
}

// RegisterAgent records an agent identity, persists it, and attaches its
// event channel. Re-registering an existing node rotates its address and
// credentials.
func (p *Panel) RegisterAgent(ctx context.Context, nodeUUID, baseURL, apiKey string) error {
	if nodeUUID == "" || baseURL == "" {
		return fmt.Errorf("nodeUuid and baseUrl are required")
	}
	if err := auth.CheckAPIKeyFormat(apiKey); err != nil {
		return err
	}

	id := registry.AgentIdentity{NodeUUID: nodeUUID, BaseURL: baseURL, APIKey: apiKey}
	if err := p.registry.Register(id); err != nil {
		return err
	}

	now := time.Now()
	if err := p.store.SaveNode(ctx, &store.Node{
		NodeUUID:  nodeUUID,
		BaseURL:   baseURL,
		APIKey:    apiKey,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("persisting node: %w", err)
	}

	if err := p.hub.Attach(agentclient.Target(id)); err != nil {
		p.logger.Warn("event channel attach failed",
			"node_uuid", nodeUUID,
			"error", err,
		)
	}
	return nil
}

// UnregisterAgent removes an agent from the registry, store, and hub.
func (p *Panel) UnregisterAgent(ctx context.Context, nodeUUID string) error {
	p.hub.Detach(nodeUUID)
	p.dispatcher.Forget(nodeUUID)
	p.registry.Remove(nodeUUID)

	if err := p.store.DeleteNode(ctx, nodeUUID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting node: %w", err)
	}
	return nil
}

// GetAgents returns registry snapshots matching the filter.
func (p *Panel) GetAgents(filter *registry.Filter) []registry.AgentRecord {
	return p.registry.List(filter)
}

// GetAgent returns one registry snapshot.
func (p *Panel) GetAgent(nodeUUID string) (registry.AgentRecord, bool) {
	return p.registry.Get(nodeUUID)
}

// CheckHealth probes one agent now.
func (p *Panel) CheckHealth(ctx context.Context, nodeUUID string) (health.Status, error) {
	return p.health.Check(ctx, nodeUUID)
}

// CheckAllHealth probes every eligible agent concurrently.
func (p *Panel) CheckAllHealth(ctx context.Context) map[string]health.Status {
	return p.health.CheckAll(ctx)
}

// CommandRequest describes one command submission. Exactly one of
// NodeUUID or ServerID must be set; server-scoped commands resolve their
// node through the server mapping table.
type CommandRequest struct {
	NodeUUID string
	ServerID string
	Action   protocol.Action
	Payload  any
	Timeout  time.Duration
}

// SendCommand dispatches one command and blocks for its terminal outcome.
func (p *Panel) SendCommand(ctx context.Context, req CommandRequest) (*protocol.CommandResponse, error) {
	nodeUUID := req.NodeUUID
	if nodeUUID == "" {
		if req.ServerID == "" {
			return nil, fmt.Errorf("nodeUuid or serverId is required")
		}
		m, err := p.store.GetServerMapping(ctx, req.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnmappedServer, req.ServerID)
		}
		if err != nil {
			return nil, fmt.Errorf("resolving server mapping: %w", err)
		}
		nodeUUID = m.NodeUUID
	}

	return p.dispatcher.Send(ctx, nodeUUID, req.ServerID, req.Action, req.Payload, req.Timeout)
}

// MapServer binds a game server id to the node whose agent manages it.
func (p *Panel) MapServer(ctx context.Context, serverID, nodeUUID string) error {
	if _, ok := p.registry.Get(nodeUUID); !ok {
		return registry.ErrAgentNotFound
	}
	return p.store.SaveServerMapping(ctx, &store.ServerMapping{
		ServerID:  serverID,
		NodeUUID:  nodeUUID,
		CreatedAt: time.Now(),
	})
}

// UnmapServer removes a server binding.
func (p *Panel) UnmapServer(ctx context.Context, serverID string) error {
	return p.store.DeleteServerMapping(ctx, serverID)
}

// StateHistory returns the most recent audited state transitions for one
// agent, newest first.
func (p *Panel) StateHistory(ctx context.Context, nodeUUID string, limit int) ([]*store.StateTransition, error) {
	return p.store.ListStateTransitions(ctx, nodeUUID, limit)
}

// Hub exposes the event hub for subscribers such as the SSE relay.
func (p *Panel) Hub() *events.Hub {
	return p.hub
}

// TokenIssuer exposes the issuer so the CLI can mint operator tokens.
func (p *Panel) TokenIssuer() *auth.TokenIssuer {
	return p.issuer
}
