// Package config provides configuration structures for the duckdash server
// and CLI.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DUCKDASH"

// Config represents the duckdash configuration.
type Config struct {
	// Server settings
	Address         string        `yaml:"address" json:"address" mapstructure:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// Database settings
	Database           string        `yaml:"database" json:"database" mapstructure:"database"`
	ReadOnly           bool          `yaml:"read_only" json:"read_only" mapstructure:"read_only"`
	MotherDuckToken    string        `yaml:"motherduck_token" json:"motherduck_token" mapstructure:"motherduck_token"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold" mapstructure:"slow_query_threshold"`

	// Logging
	LogLevel  string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format" mapstructure:"log_format"`

	Storage StorageConfig `yaml:"storage" json:"storage" mapstructure:"storage"`
	Cache   CacheConfig   `yaml:"cache" json:"cache" mapstructure:"cache"`
	Auth    AuthConfig    `yaml:"auth" json:"auth" mapstructure:"auth"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health" mapstructure:"health"`

	// Attach is an encoded attach parameter imported once at startup.
	Attach string `yaml:"attach" json:"attach" mapstructure:"attach"`
}

// StorageConfig represents state persistence configuration.
type StorageConfig struct {
	Backend   string `yaml:"backend" json:"backend" mapstructure:"backend"` // local, memory
	LocalPath string `yaml:"local_path" json:"local_path" mapstructure:"local_path"`
	StateKey  string `yaml:"state_key" json:"state_key" mapstructure:"state_key"`

	// Destination of the state table inside the connected database.
	Table    string `yaml:"table" json:"table" mapstructure:"table"`
	Schema   string `yaml:"schema" json:"schema" mapstructure:"schema"`
	Database string `yaml:"database" json:"database" mapstructure:"database"`
}

// CacheConfig represents cache materializer configuration.
type CacheConfig struct {
	TablePrefix string `yaml:"table_prefix" json:"table_prefix" mapstructure:"table_prefix"`
	EnableStats bool   `yaml:"enable_stats" json:"enable_stats" mapstructure:"enable_stats"`
}

// AuthConfig represents HTTP authentication configuration.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Type    string `yaml:"type" json:"type" mapstructure:"type"` // basic, bearer, jwt

	BasicAuth  BasicAuthConfig  `yaml:"basic_auth" json:"basic_auth" mapstructure:"basic_auth"`
	BearerAuth BearerAuthConfig `yaml:"bearer_auth" json:"bearer_auth" mapstructure:"bearer_auth"`
	JWTAuth    JWTAuthConfig    `yaml:"jwt_auth" json:"jwt_auth" mapstructure:"jwt_auth"`
}

// BasicAuthConfig represents basic authentication configuration.
type BasicAuthConfig struct {
	Users map[string]UserInfo `yaml:"users" json:"users" mapstructure:"users"`
}

// UserInfo represents user information.
type UserInfo struct {
	Password string   `yaml:"password" json:"password" mapstructure:"password"`
	Roles    []string `yaml:"roles" json:"roles" mapstructure:"roles"`
}

// BearerAuthConfig represents bearer token authentication configuration.
type BearerAuthConfig struct {
	Tokens map[string]string `yaml:"tokens" json:"tokens" mapstructure:"tokens"` // token -> username
}

// JWTAuthConfig represents JWT authentication configuration.
type JWTAuthConfig struct {
	Secret   string `yaml:"secret" json:"secret" mapstructure:"secret"`
	Issuer   string `yaml:"issuer" json:"issuer" mapstructure:"issuer"`
	Audience string `yaml:"audience" json:"audience" mapstructure:"audience"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" json:"path" mapstructure:"path"`
}

// HealthConfig represents the gRPC health service configuration.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address  string        `yaml:"address" json:"address" mapstructure:"address"`
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = time.Second
	}

	switch c.LogFormat {
	case "":
		c.LogFormat = "json"
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", c.LogFormat)
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "local"
	case "local", "memory":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "local" && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = filepath.Join(".duckdash", "state.db")
	}

	if c.Cache.TablePrefix != "" && strings.ContainsAny(c.Cache.TablePrefix, "\"") {
		return fmt.Errorf("cache table prefix must not contain quotes")
	}

	if c.Auth.Enabled {
		switch c.Auth.Type {
		case "basic":
			if len(c.Auth.BasicAuth.Users) == 0 {
				return fmt.Errorf("basic auth requires users")
			}
		case "bearer":
			if len(c.Auth.BearerAuth.Tokens) == 0 {
				return fmt.Errorf("bearer auth requires tokens")
			}
		case "jwt":
			if c.Auth.JWTAuth.Secret == "" {
				return fmt.Errorf("JWT auth requires secret")
			}
		default:
			return fmt.Errorf("unsupported auth type: %s", c.Auth.Type)
		}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health address is required when health is enabled")
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 10 * time.Second
	}

	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:            "127.0.0.1:4213",
		ShutdownTimeout:    30 * time.Second,
		Database:           ":memory:",
		SlowQueryThreshold: time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
		Storage: StorageConfig{
			Backend:   "local",
			LocalPath: filepath.Join(".duckdash", "state.db"),
			StateKey:  "duckdash-state",
			Table:     "_dash_state",
			Schema:    "main",
		},
		Cache: CacheConfig{
			TablePrefix: "_dash_cache-",
			EnableStats: true,
		},
		Auth: AuthConfig{
			Enabled: false,
			Type:    "bearer",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled:  true,
			Address:  "127.0.0.1:4214",
			Interval: 10 * time.Second,
		},
	}
}

// SetDefaults registers every scalar key of DefaultConfig on v, so that
// environment variables can override keys no file or flag mentions.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]any{
		"address":              d.Address,
		"shutdown_timeout":     d.ShutdownTimeout,
		"database":             d.Database,
		"read_only":            d.ReadOnly,
		"motherduck_token":     d.MotherDuckToken,
		"slow_query_threshold": d.SlowQueryThreshold,
		"log_level":            d.LogLevel,
		"log_format":           d.LogFormat,
		"storage.backend":      d.Storage.Backend,
		"storage.local_path":   d.Storage.LocalPath,
		"storage.state_key":    d.Storage.StateKey,
		"storage.table":        d.Storage.Table,
		"storage.schema":       d.Storage.Schema,
		"storage.database":     d.Storage.Database,
		"cache.table_prefix":   d.Cache.TablePrefix,
		"cache.enable_stats":   d.Cache.EnableStats,
		"auth.enabled":         d.Auth.Enabled,
		"auth.type":            d.Auth.Type,
		"auth.jwt_auth.secret": d.Auth.JWTAuth.Secret,
		"auth.jwt_auth.issuer": d.Auth.JWTAuth.Issuer,
		"auth.jwt_auth.audience": d.Auth.JWTAuth.Audience,
		"metrics.enabled":      d.Metrics.Enabled,
		"metrics.path":         d.Metrics.Path,
		"health.enabled":       d.Health.Enabled,
		"health.address":       d.Health.Address,
		"health.interval":      d.Health.Interval,
		"attach":               d.Attach,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads the configuration from v. When path is set the file is read
// first; DUCKDASH_* environment variables and bound flags override it.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
