package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "magnetar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  id: lab-rig
  enable_compaction: true
  compaction_max_rows: 512
ingest:
  queue_size: 64
  workers: 2
  drop_on_full: true
gc:
  memory_limit_bytes: 1073741824
  target_fraction: 0.5
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lab-rig", cfg.Store.ID)
	assert.True(t, cfg.Store.EnableCompaction)
	assert.Equal(t, int64(512), cfg.Store.CompactionMaxRows)
	assert.Equal(t, 64, cfg.Ingest.QueueSize)
	assert.Equal(t, 2, cfg.Ingest.Workers)
	assert.True(t, cfg.Ingest.DropOnFull)
	assert.Equal(t, int64(1<<30), cfg.GC.MemoryLimitBytes)
	assert.Equal(t, 0.5, cfg.GC.TargetFraction)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Ingest.FlushTimeout, cfg.Ingest.FlushTimeout)
	assert.Equal(t, "magnetar", cfg.Observability.ServiceName)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("MAGNETAR_STORE_ID", "from-env")
	path := writeConfig(t, `
store:
  id: ${MAGNETAR_STORE_ID}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Store.ID)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
gc:
  target_fraction: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, `
ingest:
  queue_size: -1
`)
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateFillsDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Ingest.QueueSize, cfg.Ingest.QueueSize)
	assert.Equal(t, Default().GC.TargetFraction, cfg.GC.TargetFraction)
	assert.Equal(t, "info", cfg.Logging.Level)
}
