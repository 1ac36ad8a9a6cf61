package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rest-sync-lite.db", cfg.Store.DBPath)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.Backoff.Base)
	assert.Equal(t, 9090, cfg.Observability.MetricsPort)
	assert.Equal(t, "rest-sync-queue", cfg.BackgroundSync.Tag)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  db_path: custom.db
sync:
  max_retries: 9
observability:
  metrics_port: 9191
  log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom.db", cfg.Store.DBPath)
	assert.Equal(t, 9, cfg.Sync.MaxRetries)
	assert.Equal(t, 9191, cfg.Observability.MetricsPort)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestValidate_RejectsInvalidBackoff(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sync.Backoff.Max = 0
	cfg.Sync.Backoff.Base = time.Second
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsBadMetricsPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Observability.MetricsPort = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsEmptyBackgroundSyncTag(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackgroundSync.Tag = ""
	assert.Error(t, Validate(cfg))
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(defaultConfig()))
}
