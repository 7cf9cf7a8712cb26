package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "auto", cfg.Progress.Mode)
	assert.Equal(t, 5*time.Second, cfg.Progress.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Progress.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Legacy.StartsPerMinute)
	assert.Equal(t, 1, cfg.Legacy.Concurrency)
	assert.Equal(t, "@every 1m", cfg.Reaper.Schedule)
	assert.False(t, cfg.ManagedConfigured())
	assert.False(t, cfg.StorageConfigured())
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MANAGED_STATIC_URL", "https://gpu.example.com/static")
	t.Setenv("PROGRESS_POLL_INTERVAL", "250ms")
	t.Setenv("PUBLIC_URL", "https://api.example.com/")
	t.Setenv("STORAGE_DRIVER", "minio")
	t.Setenv("STORAGE_BUCKET", "scenes")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.ManagedConfigured())
	assert.Equal(t, 250*time.Millisecond, cfg.Progress.PollInterval)
	assert.Equal(t, "https://api.example.com", cfg.Server.PublicURL)
	assert.True(t, cfg.StorageConfigured())
}

func TestReadSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cret\n"), 0o600))

	t.Setenv("CALLBACK_SECRET", "")
	t.Setenv("CALLBACK_SECRET_FILE", secretPath)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Callback.Secret)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := "legacy:\n  enabled: false\n  max_retries: 5\nprogress:\n  mode: polling\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Legacy.Enabled)
	assert.Equal(t, 5, cfg.Legacy.MaxRetries)
	assert.Equal(t, "polling", cfg.Progress.Mode)
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
