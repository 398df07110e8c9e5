// ABOUTME: Configuration loading and parsing for flowgpt-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr         = "localhost:8080"
	DefaultMaxHistory       = 20
	DefaultIdleTTL          = 30 * time.Minute
	DefaultEvictionInterval = time.Minute
	DefaultMaxAttempts      = 3
	DefaultInitialBackoff   = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultSearchLimit      = 5
	DefaultSystemPrompt     = "You are a helpful AI assistant."
	DefaultModel            = "gpt-4"
	DefaultMaxTokens        = 2048
	DefaultTemperature      = 0.7
	DefaultOpenAITimeout    = 60 * time.Second
	DefaultCatalogTimeout   = 30 * time.Second
	DefaultCatalogLanguage  = "en"
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeEntries    = 10000
	DefaultRetention        = 30 * 24 * time.Hour
)

// Config represents the complete flowgpt-gateway configuration
type Config struct {
	Server    ServerConfig      `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig    `yaml:"database" toml:"database"`
	Auth      AuthConfig        `yaml:"auth" toml:"auth"`
	OpenAI    OpenAIConfig      `yaml:"openai" toml:"openai"`
	Catalog   CatalogConfig     `yaml:"catalog" toml:"catalog"`
	Sessions  SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Retry     RetryConfig       `yaml:"retry" toml:"retry"`
	Help      map[string]string `yaml:"help" toml:"help"`
	Dedupe    DedupeConfig      `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional; when set a gRPC health service listens there.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds dispatch ledger configuration. An empty Path disables the ledger.
type DatabaseConfig struct {
	Path      string        `yaml:"path" toml:"path"`
	Retention time.Duration `yaml:"-" toml:"-"`

	RetentionRaw string `yaml:"retention" toml:"retention"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// OpenAIConfig configures the chat completion backend.
type OpenAIConfig struct {
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	Model       string        `yaml:"model" toml:"model"`
	MaxTokens   int           `yaml:"max_tokens" toml:"max_tokens"`
	Temperature *float64      `yaml:"temperature" toml:"temperature"`
	Timeout     time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// CatalogConfig configures the FlowGPT prompt catalog.
type CatalogConfig struct {
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	Language    string        `yaml:"language" toml:"language"`
	SearchLimit int           `yaml:"search_limit" toml:"search_limit"`
	Timeout     time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// SessionsConfig holds conversation session limits and idle eviction timing.
type SessionsConfig struct {
	MaxHistory       int           `yaml:"max_history" toml:"max_history"`
	MaxSessions      int           `yaml:"max_sessions" toml:"max_sessions"` // 0 means unbounded
	DefaultPrompt    string        `yaml:"default_prompt" toml:"default_prompt"`
	IdleTTL          time.Duration `yaml:"-" toml:"-"`
	EvictionInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTTLRaw          string `yaml:"idle_ttl" toml:"idle_ttl"`
	EvictionIntervalRaw string `yaml:"eviction_interval" toml:"eviction_interval"`
}

// RetryConfig controls how transient completion failures are retried.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff     time.Duration `yaml:"-" toml:"-"`

	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// DedupeConfig controls the redelivery replay window.
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the path to the gateway config file.
// Priority: FLOWGPT_CONFIG env var > XDG_CONFIG_HOME/flowgpt/gateway.yaml > ~/.config/flowgpt/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("FLOWGPT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "flowgpt", "gateway.yaml")
}

// DefaultDataPath returns the directory holding the dispatch ledger.
// Priority: XDG_DATA_HOME/flowgpt > ~/.local/share/flowgpt
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "flowgpt")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Retention == 0 {
		c.Database.Retention = DefaultRetention
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultModel
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = DefaultMaxTokens
	}
	if c.OpenAI.Temperature == nil {
		t := DefaultTemperature
		c.OpenAI.Temperature = &t
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = DefaultOpenAITimeout
	}

	if c.Catalog.Language == "" {
		c.Catalog.Language = DefaultCatalogLanguage
	}
	if c.Catalog.SearchLimit == 0 {
		c.Catalog.SearchLimit = DefaultSearchLimit
	}
	if c.Catalog.Timeout == 0 {
		c.Catalog.Timeout = DefaultCatalogTimeout
	}

	if c.Sessions.MaxHistory == 0 {
		c.Sessions.MaxHistory = DefaultMaxHistory
	}
	if c.Sessions.DefaultPrompt == "" {
		c.Sessions.DefaultPrompt = DefaultSystemPrompt
	}
	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = DefaultIdleTTL
	}
	if c.Sessions.EvictionInterval == 0 {
		c.Sessions.EvictionInterval = DefaultEvictionInterval
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = DefaultInitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = DefaultMaxBackoff
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeEntries
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Sessions.MaxHistory < 2 {
		return fmt.Errorf("sessions.max_history must be at least 2, got %d", c.Sessions.MaxHistory)
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must not be negative")
	}
	if c.Sessions.IdleTTL < 0 || c.Sessions.EvictionInterval < 0 {
		return fmt.Errorf("sessions durations must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.initial_backoff (%s) exceeds retry.max_backoff (%s)", c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}

	if c.Catalog.SearchLimit < 1 {
		return fmt.Errorf("catalog.search_limit must be at least 1, got %d", c.Catalog.SearchLimit)
	}
	if c.OpenAI.MaxTokens < 1 {
		return fmt.Errorf("openai.max_tokens must be at least 1, got %d", c.OpenAI.MaxTokens)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"database.retention", cfg.Database.RetentionRaw, &cfg.Database.Retention},
		{"openai.timeout", cfg.OpenAI.TimeoutRaw, &cfg.OpenAI.Timeout},
		{"catalog.timeout", cfg.Catalog.TimeoutRaw, &cfg.Catalog.Timeout},
		{"sessions.idle_ttl", cfg.Sessions.IdleTTLRaw, &cfg.Sessions.IdleTTL},
		{"sessions.eviction_interval", cfg.Sessions.EvictionIntervalRaw, &cfg.Sessions.EvictionInterval},
		{"retry.initial_backoff", cfg.Retry.InitialBackoffRaw, &cfg.Retry.InitialBackoff},
		{"retry.max_backoff", cfg.Retry.MaxBackoffRaw, &cfg.Retry.MaxBackoff},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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

// Template is the starter configuration written by `flowgpt-gateway init`.
// The two %s verbs take the database path and the JWT secret.
const Template = `# flowgpt-gateway configuration
# Generated by flowgpt-gateway init

server:
  http_addr: "localhost:8080"
  # grpc_addr: "localhost:50051"   # optional gRPC health service

database:
  path: "%s"
  retention: "720h"

auth:
  jwt_secret: "%s"

openai:
  api_key: "${OPENAI_API_KEY}"
  model: "gpt-4"
  max_tokens: 2048
  temperature: 0.7
  timeout: "60s"

catalog:
  language: "en"
  search_limit: 5
  timeout: "30s"

sessions:
  max_history: 20
  idle_ttl: "30m"
  eviction_interval: "1m"
  default_prompt: "You are a helpful AI assistant."

retry:
  max_attempts: 3
  initial_backoff: "1s"
  max_backoff: "30s"

dedupe:
  ttl: "10m"
  max_entries: 10000

logging:
  level: "info"
  format: "text"
`
