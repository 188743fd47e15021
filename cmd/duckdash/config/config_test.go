package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "duckdash-state", cfg.Storage.StateKey)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing address", mutate: func(c *Config) { c.Address = "" }, wantErr: "address is required"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "unsupported log format"},
		{name: "bad backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: "unsupported storage backend"},
		{name: "quoted prefix", mutate: func(c *Config) { c.Cache.TablePrefix = `a"b` }, wantErr: "must not contain quotes"},
		{name: "basic without users", mutate: func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Type: "basic"}
		}, wantErr: "basic auth requires users"},
		{name: "bearer without tokens", mutate: func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Type: "bearer"}
		}, wantErr: "bearer auth requires tokens"},
		{name: "jwt without secret", mutate: func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Type: "jwt"}
		}, wantErr: "JWT auth requires secret"},
		{name: "unknown auth", mutate: func(c *Config) {
			c.Auth = AuthConfig{Enabled: true, Type: "oauth2"}
		}, wantErr: "unsupported auth type"},
		{name: "health without address", mutate: func(c *Config) { c.Health.Address = "" }, wantErr: "health address"},
		{name: "disabled auth ignores type", mutate: func(c *Config) { c.Auth = AuthConfig{Type: "oauth2"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := &Config{Address: ":0"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Second, cfg.SlowQueryThreshold)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(".duckdash", "state.db"), cfg.Storage.LocalPath)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duckdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: 0.0.0.0:9000
database: /data/warehouse.duckdb
read_only: true
storage:
  backend: memory
  state_key: team-state
auth:
  enabled: true
  type: basic
  basic_auth:
    users:
      ana:
        password: secret
        roles: [admin]
health:
  interval: 5s
`), 0o600))

	t.Setenv("DUCKDASH_LOG_LEVEL", "debug")
	t.Setenv("DUCKDASH_STORAGE_SCHEMA", "dash")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Address)
	assert.Equal(t, "/data/warehouse.duckdb", cfg.Database)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "team-state", cfg.Storage.StateKey)
	assert.Equal(t, "dash", cfg.Storage.Schema)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval)
	require.Contains(t, cfg.Auth.BasicAuth.Users, "ana")
	assert.Equal(t, []string{"admin"}, cfg.Auth.BasicAuth.Users["ana"].Roles)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DUCKDASH_STORAGE_BACKEND", "s3")
	_, err := Load(viper.New(), "")
	assert.ErrorContains(t, err, "unsupported storage backend")
}
