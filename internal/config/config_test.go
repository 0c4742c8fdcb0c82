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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "marketsync.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.Jobs.DefaultWorkers)
	assert.Equal(t, 2*time.Minute, cfg.Ingest.ClaimTTL)
	assert.Equal(t, 5, cfg.Checkpoint.DormancyThreshold)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Schedules)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/ms.db
http:
  shutdown_timeout: 30s
ingest:
  batch_size: 100
  task_timeout: 90s
log:
  format: json
schedules:
  - name: nightly
    spec: "0 30 18 * * 1-5"
    dataset: kline_day_raw
    exchanges: [sh, sz]
`), 0o600))

	t.Setenv("MARKETSYNC_HTTP_ADDR", ":9999")
	t.Setenv("MARKETSYNC_INGEST_MAX_RETRIES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "/tmp/ms.db", cfg.DBPath)
	assert.Equal(t, 100, cfg.Ingest.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Ingest.TaskTimeout)
	assert.Equal(t, 9, cfg.Ingest.MaxRetries)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].Name)
	assert.Equal(t, []string{"sh", "sz"}, cfg.Schedules[0].Exchanges)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no db path", func(c *Config) { c.DBPath = "" }},
		{"no listen addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"no pool", func(c *Config) { c.Jobs.Pool = 0 }},
		{"default above max", func(c *Config) { c.Jobs.DefaultWorkers = 64 }},
		{"ttl below heartbeat", func(c *Config) { c.Ingest.ClaimTTL = time.Second }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"schedule without spec", func(c *Config) { c.Schedules = []Schedule{{Dataset: "kline_day_raw"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
