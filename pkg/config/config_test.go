package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clockwork.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
shards = 4
frontier_interval = "250ms"
db_path = "/tmp/cw.db"

[log]
level = "debug"
format = "json"
`), 0o644))

	t.Setenv("CLOCKWORK_SHARDS", "3")
	t.Setenv("CLOCKWORK_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Shards, "env overrides file")
	assert.Equal(t, 250*time.Millisecond, cfg.FrontierInterval)
	assert.Equal(t, "/tmp/cw.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 16, cfg.OraclePoolSize, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoad_InvalidFromEnv(t *testing.T) {
	t.Setenv("CLOCKWORK_SHARDS", "0")
	_, err := Load("")
	require.ErrorContains(t, err, "shards must be positive")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"interval", func(c *Config) { c.FrontierInterval = 0 }, "frontier_interval"},
		{"pool", func(c *Config) { c.OraclePoolSize = -1 }, "oracle_pool_size"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestLogConfig(t *testing.T) {
	lc := LogConfig{Level: "DEBUG", Format: "json", AddSource: true}.Logger()
	assert.Equal(t, "DEBUG", lc.Level)
	assert.True(t, lc.AddSource)
	assert.Nil(t, lc.Output)
}
