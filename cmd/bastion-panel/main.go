// ABOUTME: Entry point for the bastion panel server
// ABOUTME: Manages remote game-server agents over HTTP and websocket channels

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/config"
	"github.com/forgeworks/bastion/internal/panel"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _               _   _
| |__   __ _ ___| |_(_) ___  _ __
| '_ \ / _' / __| __| |/ _ \| '_ \
| |_) | (_| \__ \ |_| | (_) | | | |
|_.__/ \__,_|___/\__|_|\___/|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bastion-panel <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the panel server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  bootstrap --service NAME   Create config, API key, and operator token")
		fmt.Println("  health                     Check panel health")
		fmt.Println("  agents                     List registered agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath, err := config.DefaultPath()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting bastion-panel",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	p, err := panel.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating panel: %w", err)
	}

	return p.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}

func runHealth(ctx context.Context) error {
	cfg, err := loadDefaultConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runAgents lists registered agents via the panel API. The operator token
// is minted locally from the configured JWT secret.
func runAgents(ctx context.Context) error {
	cfg, err := loadDefaultConfig()
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Permissions)
	token, err := issuer.IssueToken("bastion-cli", []string{"agents.read"}, time.Minute)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	url := fmt.Sprintf("http://%s/api/v1/agents", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing agents: status %d", resp.StatusCode)
	}

	var agents []struct {
		NodeUUID string `json:"nodeUuid"`
		BaseURL  string `json:"baseUrl"`
		State    string `json:"state"`
		LastSeen string `json:"lastSeen"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATE\tBASE URL\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.NodeUUID, a.State, a.BaseURL, a.LastSeen)
	}
	return w.Flush()
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret (if not exists)
// 2. Generates an API key for the named agent service
// 3. Generates an operator token and saves it next to the config
//
// One-command setup: bastion-panel bootstrap --service minecraft-agent
func runBootstrap() error {
	var serviceID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--service" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--service requires a value")
			}
			serviceID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--service="):
			serviceID = strings.TrimPrefix(arg, "--service=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return fmt.Errorf("--service flag is required")
	}
	if strings.Contains(serviceID, "_") {
		return fmt.Errorf("service name must not contain underscores")
	}

	configPath, err := config.DefaultPath()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

		configDir := filepath.Dir(configPath)
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		dbPath := filepath.Join(configDir, "panel.db")

		if err := os.WriteFile(configPath, []byte(defaultConfig(dbPath, jwtSecret)), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	apiKey, err := auth.GenerateAPIKey(serviceID)
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}

	issuer := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Permissions)
	token, err := issuer.IssueToken("bastion-cli", cfg.Auth.Permissions, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("issuing operator token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved operator token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Agent credentials")
	cyan.Println("  -----------------")
	fmt.Printf("  Service: %s\n", serviceID)
	fmt.Printf("  API key: %s\n", apiKey)
	fmt.Println()
	yellow.Println("  Give the API key to the agent, then:")
	fmt.Println("    bastion-panel serve     # start the panel")
	fmt.Println("    bastion-panel agents    # list registered agents")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("bastion-panel configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath, err := config.DefaultPath()
	if err != nil {
		return err
	}

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	defaultDbPath := filepath.Join(filepath.Dir(outputFile), "panel.db")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Auth Configuration ---")
	jwtSecret := prompt(reader, "JWT secret (leave empty to generate)", "")
	if jwtSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Discovery Configuration ---")
	hosts := prompt(reader, "Discovery hosts (comma-separated)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# bastion-panel configuration\n")
	cfg.WriteString("# Generated by bastion-panel init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("  permissions:\n")
	cfg.WriteString("    - \"agents.read\"\n")
	cfg.WriteString("    - \"agents.command\"\n\n")

	cfg.WriteString("discovery:\n")
	if hosts != "" {
		cfg.WriteString("  hosts:\n")
		for _, h := range strings.Split(hosts, ",") {
			cfg.WriteString(fmt.Sprintf("    - %q\n", strings.TrimSpace(h)))
		}
	}
	cfg.WriteString("  ports: [8090]\n")
	cfg.WriteString("  protocols: [\"http\"]\n")
	cfg.WriteString("  probe_timeout: \"3s\"\n\n")

	cfg.WriteString("health:\n")
	cfg.WriteString("  interval: \"30s\"\n")
	cfg.WriteString("  probe_timeout: \"5s\"\n")
	cfg.WriteString("  offline_threshold: 3\n\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  default_timeout: \"30s\"\n")
	cfg.WriteString("  max_requests: 60\n")
	cfg.WriteString("  window: \"1m\"\n\n")

	cfg.WriteString("events:\n")
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  dial_timeout: \"10s\"\n")
	cfg.WriteString("  backoff_base: \"1s\"\n")
	cfg.WriteString("  backoff_max: \"1m\"\n")
	cfg.WriteString("  max_attempts: 10\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the panel:")
	fmt.Println("  bastion-panel serve")

	return nil
}

func defaultConfig(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# bastion-panel configuration
# Generated by bastion-panel bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q
  permissions:
    - "agents.read"
    - "agents.command"

health:
  interval: "30s"
  probe_timeout: "5s"
  offline_threshold: 3

dispatch:
  default_timeout: "30s"
  max_requests: 60
  window: "1m"

events:
  ping_interval: "30s"
  dial_timeout: "10s"
  backoff_base: "1s"
  backoff_max: "1m"
  max_attempts: 10

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)
}

func loadDefaultConfig() (*config.Config, error) {
	configPath, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
