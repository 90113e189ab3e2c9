package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2000, cfg.Processing.BatchSize)
	assert.InDelta(t, 0.10, cfg.Processing.MaxFailureRate, 1e-9)
	assert.InDelta(t, 95.0, cfg.Capacity.ThresholdPercent, 1e-9)
	assert.Equal(t, 500, cfg.Hunt.CommitBatch)
	assert.Equal(t, 5*time.Minute, cfg.Hunt.ScrollKeepAlive)
	assert.Equal(t, "standard", cfg.Identity.Strictness)
	assert.Equal(t, time.Second, cfg.Identity.Precision)
}

func TestLoadFile_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  sqlite:
    path: /tmp/cases.db
processing:
  batch_size: 500
identity:
  strictness: relaxed
  volatile_keys: [ThreadID, ProcessingTime]
`), 0o600))

	t.Setenv("CAPACITY_THRESHOLD_PERCENT", "80")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/cases.db", cfg.Database.SQLite.Path)
	assert.Equal(t, 500, cfg.Processing.BatchSize)
	assert.Equal(t, "relaxed", cfg.Identity.Strictness)
	assert.Equal(t, []string{"ThreadID", "ProcessingTime"}, cfg.Identity.VolatileKeys)
	assert.InDelta(t, 80.0, cfg.Capacity.ThresholdPercent, 1e-9)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"zero batch", func(c *Config) { c.Processing.BatchSize = 0 }},
		{"failure rate above one", func(c *Config) { c.Processing.MaxFailureRate = 1.5 }},
		{"stale shorter than heartbeat", func(c *Config) { c.Processing.StaleAfter = time.Second }},
		{"threshold zero", func(c *Config) { c.Capacity.ThresholdPercent = 0 }},
		{"strictness unknown", func(c *Config) { c.Identity.Strictness = "fuzzy" }},
		{"zero commit batch", func(c *Config) { c.Hunt.CommitBatch = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "cases", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/cases?sslmode=disable", p.ConnString())
}
