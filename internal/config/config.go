// ABOUTME: Configuration loading and parsing for coven-router
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Discovery backends
const (
	DiscoveryMemory = "memory"
	DiscoverySQLite = "sqlite"
	DiscoveryRedis  = "redis"
)

// Defaults applied to omitted fields.
const (
	DefaultHTTPAddr          = "localhost:8080"
	DefaultWSPath            = "/ws/"
	DefaultCommanderPattern  = "commander"
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageBytes   = 1 << 20
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultAnnounceTTL       = 5 * time.Minute
)

// Config represents the complete coven-router configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Router    RouterConfig    `yaml:"router"`
	Agents    AgentsConfig    `yaml:"agents"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables handshake authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	WSPath   string `yaml:"ws_path"` // prefix; the agent id follows it
}

// RouterConfig holds dispatch settings
type RouterConfig struct {
	CommanderPattern string        `yaml:"commander_pattern"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	WriteTimeout     time.Duration `yaml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
}

// DiscoveryConfig selects and configures the capability directory backend
type DiscoveryConfig struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	AnnounceTTL   time.Duration `yaml:"-"`

	AnnounceTTLRaw string `yaml:"announce_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file location.
// Priority: COVEN_ROUTER_CONFIG env var > XDG_CONFIG_HOME/coven/router.yaml > ~/.config/coven/router.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_ROUTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "router.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = DefaultWSPath
	}
	if !strings.HasSuffix(cfg.Server.WSPath, "/") {
		cfg.Server.WSPath += "/"
	}
	if cfg.Router.CommanderPattern == "" {
		cfg.Router.CommanderPattern = DefaultCommanderPattern
	}
	if cfg.Router.WriteTimeout == 0 {
		cfg.Router.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Router.MaxMessageBytes == 0 {
		cfg.Router.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Agents.HeartbeatInterval == 0 {
		cfg.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Agents.HeartbeatTimeout == 0 {
		cfg.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Discovery.Backend == "" {
		cfg.Discovery.Backend = DiscoveryMemory
	}
	if cfg.Discovery.AnnounceTTL == 0 {
		cfg.Discovery.AnnounceTTL = DefaultAnnounceTTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
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

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Router.WriteTimeout < 0 {
		return fmt.Errorf("router.write_timeout must not be negative")
	}
	if c.Router.MaxMessageBytes < 0 {
		return fmt.Errorf("router.max_message_bytes must not be negative")
	}

	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}

	switch c.Discovery.Backend {
	case DiscoveryMemory:
	case DiscoverySQLite:
		if c.Discovery.SQLitePath == "" {
			return fmt.Errorf("discovery.sqlite_path is required for the sqlite backend")
		}
	case DiscoveryRedis:
		if c.Discovery.RedisAddr == "" {
			return fmt.Errorf("discovery.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("discovery.backend %q is not one of memory, sqlite, redis", c.Discovery.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"router.write_timeout", cfg.Router.WriteTimeoutRaw, &cfg.Router.WriteTimeout},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"discovery.announce_ttl", cfg.Discovery.AnnounceTTLRaw, &cfg.Discovery.AnnounceTTL},
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
