// Package config handles configuration loading for the bastion panel.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BASTION_CONFIG environment variable
//  2. <user config dir>/bastion/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BASTION_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	health:
//	  interval: "15s"
//	  probe_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # Panel API
//	  service_id: "bastion-panel"
//
// Database:
//
//	database:
//	  path: "/var/lib/bastion/panel.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${BASTION_JWT_SECRET}"
//	  permissions: ["agents.command", "agents.read"]
//
// Discovery sweep:
//
//	discovery:
//	  hosts: ["10.0.0.1", "10.0.0.2"]
//	  ports: [8090]
//	  protocols: ["http"]
//	  probe_timeout: "2s"
//	  concurrency_limit: 16
//
// Health monitoring:
//
//	health:
//	  interval: "15s"
//	  probe_timeout: "5s"
//	  offline_threshold: 3
//
// Command dispatch:
//
//	dispatch:
//	  default_timeout: "30s"
//	  max_requests: 60
//	  window: "1m"
//
// Event channels:
//
//	events:
//	  ping_interval: "30s"
//	  pong_timeout: "10s"
//	  backoff_base: "1s"
//	  backoff_max: "30s"
//	  max_attempts: 5
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	path, _ := config.DefaultPath()
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
