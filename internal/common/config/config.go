// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	History     HistoryConfig     `mapstructure:"history"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Interaction InteractionConfig `mapstructure:"interaction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// DatabaseConfig holds database configuration. Driver selects between the
// embedded sqlite store and an external PostgreSQL server.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite database file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HistoryConfig holds the locations of external CLI session files and the
// watcher settings used to detect changes to them.
type HistoryConfig struct {
	ClaudeDir       string `mapstructure:"claudeDir"`
	PiDir           string `mapstructure:"piDir"`
	Watch           bool   `mapstructure:"watch"`
	WatchDebounceMs int    `mapstructure:"watchDebounceMs"`
}

// SessionsConfig holds session cache and workspace provisioning configuration.
type SessionsConfig struct {
	CacheSize     int    `mapstructure:"cacheSize"`     // max in-memory session states
	WorkspaceRoot string `mapstructure:"workspaceRoot"` // base dir for provisioned working dirs
	QueueLimit    int    `mapstructure:"queueLimit"`    // max queued messages per session
}

// LLMConfig holds native chat provider configuration.
type LLMConfig struct {
	DefaultProvider string          `mapstructure:"defaultProvider"`
	Anthropic       AnthropicConfig `mapstructure:"anthropic"`
}

// AnthropicConfig holds Anthropic SDK provider configuration.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	BaseURL   string `mapstructure:"baseUrl"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// AgentsConfig holds the agent manifest location.
type AgentsConfig struct {
	ManifestPath string `mapstructure:"manifestPath"`
}

// ToolsConfig holds tool execution and MCP server configuration.
type ToolsConfig struct {
	CallTimeoutSeconds int                        `mapstructure:"callTimeoutSeconds"`
	MCP                map[string]MCPServerConfig `mapstructure:"mcp"`
}

// MCPServerConfig describes one MCP server to bridge tools from.
type MCPServerConfig struct {
	Transport string            `mapstructure:"transport"` // stdio, sse, streamable-http
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
}

// InteractionConfig holds user-interaction timeout configuration.
type InteractionConfig struct {
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// WatchDebounce returns the history watcher debounce window as a time.Duration.
func (h *HistoryConfig) WatchDebounce() time.Duration {
	return time.Duration(h.WatchDebounceMs) * time.Millisecond
}

// CallTimeout returns the tool call timeout as a time.Duration.
func (t *ToolsConfig) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutSeconds) * time.Second
}

// Timeout returns the interaction timeout as a time.Duration.
func (i *InteractionConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 15)

	// Database defaults - embedded sqlite unless a postgres DSN is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./parley.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parley-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// History defaults - external CLI session file locations
	home, _ := os.UserHomeDir()
	v.SetDefault("history.claudeDir", filepath.Join(home, ".claude", "projects"))
	v.SetDefault("history.piDir", filepath.Join(home, ".pi", "sessions"))
	v.SetDefault("history.watch", true)
	v.SetDefault("history.watchDebounceMs", 400)

	// Session defaults
	v.SetDefault("sessions.cacheSize", 100)
	v.SetDefault("sessions.workspaceRoot", filepath.Join(home, ".parley", "workspaces"))
	v.SetDefault("sessions.queueLimit", 64)

	// LLM defaults
	v.SetDefault("llm.defaultProvider", "anthropic")
	v.SetDefault("llm.anthropic.apiKey", "")
	v.SetDefault("llm.anthropic.baseUrl", "")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.anthropic.maxTokens", 4096)

	// Agent manifest defaults - empty path falls back to the builtin default agent
	v.SetDefault("agents.manifestPath", "")

	// Tool defaults
	v.SetDefault("tools.callTimeoutSeconds", 120)

	// Interaction defaults
	v.SetDefault("interaction.timeoutSeconds", 120)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parley/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("llm.anthropic.apiKey", "ANTHROPIC_API_KEY", "PARLEY_LLM_ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.anthropic.baseUrl", "PARLEY_LLM_ANTHROPIC_BASE_URL")
	_ = v.BindEnv("llm.anthropic.maxTokens", "PARLEY_LLM_ANTHROPIC_MAX_TOKENS")
	_ = v.BindEnv("database.maxConns", "PARLEY_DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.minConns", "PARLEY_DATABASE_MIN_CONNS")
	_ = v.BindEnv("history.claudeDir", "PARLEY_HISTORY_CLAUDE_DIR")
	_ = v.BindEnv("history.piDir", "PARLEY_HISTORY_PI_DIR")
	_ = v.BindEnv("sessions.cacheSize", "PARLEY_SESSIONS_CACHE_SIZE")
	_ = v.BindEnv("sessions.workspaceRoot", "PARLEY_SESSIONS_WORKSPACE_ROOT")
	_ = v.BindEnv("sessions.queueLimit", "PARLEY_SESSIONS_QUEUE_LIMIT")
	_ = v.BindEnv("agents.manifestPath", "PARLEY_AGENTS_MANIFEST_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parley/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when database.driver is sqlite3")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Sessions.CacheSize <= 0 {
		errs = append(errs, "sessions.cacheSize must be positive")
	}
	if cfg.Sessions.QueueLimit <= 0 {
		errs = append(errs, "sessions.queueLimit must be positive")
	}
	if cfg.History.WatchDebounceMs <= 0 {
		errs = append(errs, "history.watchDebounceMs must be positive")
	}
	if cfg.Tools.CallTimeoutSeconds <= 0 {
		errs = append(errs, "tools.callTimeoutSeconds must be positive")
	}
	if cfg.Interaction.TimeoutSeconds <= 0 {
		errs = append(errs, "interaction.timeoutSeconds must be positive")
	}

	for name, mcp := range cfg.Tools.MCP {
		switch mcp.Transport {
		case "stdio":
			if mcp.Command == "" {
				errs = append(errs, fmt.Sprintf("tools.mcp.%s.command is required for stdio transport", name))
			}
		case "sse", "streamable-http":
			if mcp.URL == "" {
				errs = append(errs, fmt.Sprintf("tools.mcp.%s.url is required for %s transport", name, mcp.Transport))
			}
		default:
			errs = append(errs, fmt.Sprintf("tools.mcp.%s.transport must be one of: stdio, sse, streamable-http", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
