// ABOUTME: Configuration loading and parsing for the bastion panel
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete panel configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the panel's own HTTP API configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	ServiceID string `yaml:"service_id"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds service token configuration. Signature timestamp
// tolerance is an agent-side knob; the panel only signs.
type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	Permissions []string `yaml:"permissions"`
}

// DiscoveryConfig holds the probe sweep configuration
type DiscoveryConfig struct {
	Hosts            []string `yaml:"hosts"`
	Ports            []int    `yaml:"ports"`
	Protocols        []string `yaml:"protocols"`
	ConcurrencyLimit int      `yaml:"concurrency_limit"`

	ProbeTimeout    time.Duration `yaml:"-"`
	ProbeTimeoutRaw string        `yaml:"probe_timeout"`
}

// HealthConfig holds health monitor timing configuration
type HealthConfig struct {
	OfflineThreshold int `yaml:"offline_threshold"`

	Interval     time.Duration `yaml:"-"`
	ProbeTimeout time.Duration `yaml:"-"`

	IntervalRaw     string `yaml:"interval"`
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
}

// DispatchConfig holds command dispatch and rate limit configuration
type DispatchConfig struct {
	MaxRequests int `yaml:"max_requests"`

	DefaultTimeout time.Duration `yaml:"-"`
	Window         time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
	WindowRaw         string `yaml:"window"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
}

// EventsConfig holds event channel heartbeat and reconnect configuration
type EventsConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	PingInterval time.Duration `yaml:"-"`
	PongTimeout  time.Duration `yaml:"-"`
	DialTimeout  time.Duration `yaml:"-"`
	BackoffBase  time.Duration `yaml:"-"`
	BackoffMax   time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout"`
	DialTimeoutRaw  string `yaml:"dial_timeout"`
	BackoffBaseRaw  string `yaml:"backoff_base"`
	BackoffMaxRaw   string `yaml:"backoff_max"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath resolves the config file location: the BASTION_CONFIG
// environment variable if set, otherwise bastion/config.yaml under the
// user config directory.
func DefaultPath() (string, error) {
	if p := os.Getenv("BASTION_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	return filepath.Join(dir, "bastion", "config.yaml"), nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	for _, p := range c.Discovery.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("discovery.ports contains invalid port %d", p)
		}
	}
	for _, proto := range c.Discovery.Protocols {
		if proto != "http" && proto != "https" {
			return fmt.Errorf("discovery.protocols contains unsupported protocol %q", proto)
		}
	}
	if c.Discovery.ConcurrencyLimit < 0 {
		return fmt.Errorf("discovery.concurrency_limit must not be negative")
	}

	if c.Health.OfflineThreshold < 0 {
		return fmt.Errorf("health.offline_threshold must not be negative")
	}

	if c.Dispatch.MaxRequests < 0 {
		return fmt.Errorf("dispatch.max_requests must not be negative")
	}

	if c.Events.MaxAttempts < 0 {
		return fmt.Errorf("events.max_attempts must not be negative")
	}

	return nil
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"discovery.probe_timeout", cfg.Discovery.ProbeTimeoutRaw, &cfg.Discovery.ProbeTimeout},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"health.probe_timeout", cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout},
		{"dispatch.default_timeout", cfg.Dispatch.DefaultTimeoutRaw, &cfg.Dispatch.DefaultTimeout},
		{"dispatch.window", cfg.Dispatch.WindowRaw, &cfg.Dispatch.Window},
		{"dispatch.sweep_interval", cfg.Dispatch.SweepIntervalRaw, &cfg.Dispatch.SweepInterval},
		{"events.ping_interval", cfg.Events.PingIntervalRaw, &cfg.Events.PingInterval},
		{"events.pong_timeout", cfg.Events.PongTimeoutRaw, &cfg.Events.PongTimeout},
		{"events.dial_timeout", cfg.Events.DialTimeoutRaw, &cfg.Events.DialTimeout},
		{"events.backoff_base", cfg.Events.BackoffBaseRaw, &cfg.Events.BackoffBase},
		{"events.backoff_max", cfg.Events.BackoffMaxRaw, &cfg.Events.BackoffMax},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
