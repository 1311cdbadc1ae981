// ABOUTME: Configuration loading and parsing for tool-gateway
// ABOUTME: Supports YAML or TOML files with env expansion, env overrides, and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tool-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Router   RouterConfig   `yaml:"router" toml:"router"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Skills   SkillsConfig   `yaml:"skills" toml:"skills"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects the SQL driver and its data source.
// For sqlite the DSN is a file path (or ":memory:"); for postgres it is a URL.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Backend    string        `yaml:"backend" toml:"backend"` // memory, redis, upstash
	RedisURL   string        `yaml:"redis_url" toml:"redis_url"`
	MaxEntries int           `yaml:"memory_max_entries" toml:"memory_max_entries"`
	TTL        time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// RouterConfig holds invocation router tuning
type RouterConfig struct {
	InvokeTimeout  time.Duration `yaml:"-" toml:"-"`
	UsageQueueSize int           `yaml:"usage_queue_size" toml:"usage_queue_size"`

	InvokeTimeoutRaw string `yaml:"invoke_timeout" toml:"invoke_timeout"`
}

// RegistryConfig holds connection registry behaviour
type RegistryConfig struct {
	// ConnectOnStart connects every registered server at startup,
	// ignoring per-server auto_connect settings.
	ConnectOnStart bool `yaml:"connect_on_start" toml:"connect_on_start"`
}

// SkillsConfig holds skill executor configuration
type SkillsConfig struct {
	// GatewayURL is the base URL the executor calls tools through.
	// Empty means this process's own HTTP address.
	GatewayURL     string        `yaml:"gateway_url" toml:"gateway_url"`
	CallerID       string        `yaml:"caller_id" toml:"caller_id"`
	CallerType     string        `yaml:"caller_type" toml:"caller_type"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// envOverrides are the environment variables honoured on top of the file.
type envOverrides struct {
	Port            string `envconfig:"PORT"`
	DatabaseURL     string `envconfig:"DATABASE_URL"`
	RedisURL        string `envconfig:"REDIS_URL"`
	CacheTTLSeconds int    `envconfig:"CACHE_TTL_SECONDS"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	GatewayURL      string `envconfig:"MCP_GATEWAY_URL"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:3100"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "tool-gateway.db"},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 100_000,
			TTLRaw:     "300s",
		},
		Router: RouterConfig{
			UsageQueueSize:   1024,
			InvokeTimeoutRaw: "30s",
		},
		Skills: SkillsConfig{
			CallerID:          "skills-engine",
			CallerType:        "skill",
			RequestTimeoutRaw: "60s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding,
// then the well-known overrides (PORT, DATABASE_URL, ...) are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv overlays the environment variables understood by earlier
// deployments of the gateway and skills services.
func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	if env.Port != "" {
		host := "0.0.0.0"
		if h, _, ok := strings.Cut(cfg.Server.HTTPAddr, ":"); ok && h != "" {
			host = h
		}
		cfg.Server.HTTPAddr = host + ":" + env.Port
	}
	if env.DatabaseURL != "" {
		cfg.Database.DSN = env.DatabaseURL
		cfg.Database.Driver = DriverForDSN(env.DatabaseURL, cfg.Database.Driver)
	}
	if env.RedisURL != "" {
		cfg.Cache.RedisURL = env.RedisURL
		cfg.Cache.Backend = "redis"
	}
	if env.CacheTTLSeconds > 0 {
		cfg.Cache.TTLRaw = fmt.Sprintf("%ds", env.CacheTTLSeconds)
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.GatewayURL != "" {
		cfg.Skills.GatewayURL = env.GatewayURL
	}
	return nil
}

// DriverForDSN picks postgres for postgres URLs and keeps fallback otherwise.
func DriverForDSN(dsn, fallback string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return fallback
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.memory_max_entries must be positive")
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	case "upstash":
	default:
		return fmt.Errorf("cache.backend must be memory, redis or upstash, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	if c.Router.InvokeTimeout <= 0 {
		return fmt.Errorf("router.invoke_timeout must be positive")
	}
	if c.Router.UsageQueueSize <= 0 {
		return fmt.Errorf("router.usage_queue_size must be positive")
	}

	if c.Skills.CallerType == "" {
		return fmt.Errorf("skills.caller_type is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Cache.TTLRaw != "" {
		cfg.Cache.TTL, err = time.ParseDuration(cfg.Cache.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache.ttl %q: %w", cfg.Cache.TTLRaw, err)
		}
	}

	if cfg.Router.InvokeTimeoutRaw != "" {
		cfg.Router.InvokeTimeout, err = time.ParseDuration(cfg.Router.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing router.invoke_timeout %q: %w", cfg.Router.InvokeTimeoutRaw, err)
		}
	}

	if cfg.Skills.RequestTimeoutRaw != "" {
		cfg.Skills.RequestTimeout, err = time.ParseDuration(cfg.Skills.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing skills.request_timeout %q: %w", cfg.Skills.RequestTimeoutRaw, err)
		}
	}

	return nil
}
