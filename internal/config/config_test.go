package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("API_INTERNAL_URL", "http://backend:3001/")
	t.Setenv("INTERNAL_TOKEN", "secret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://backend:3001", cfg.BackendURL)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
	assert.Equal(t, 5*time.Second, cfg.BackendTimeout)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "", cfg.BusURL)
	assert.False(t, cfg.IsDev())
}

func TestFromEnvMissingRequired(t *testing.T) {
	t.Setenv("API_INTERNAL_URL", "")
	t.Setenv("INTERNAL_TOKEN", "secret")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "API_INTERNAL_URL")
}

func TestFromEnvBadValues(t *testing.T) {
	t.Setenv("API_INTERNAL_URL", "http://backend")
	t.Setenv("INTERNAL_TOKEN", "secret")

	t.Setenv("SEND_QUEUE_SIZE", "lots")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "SEND_QUEUE_SIZE")

	t.Setenv("SEND_QUEUE_SIZE", "0")
	_, err = FromEnv()
	assert.Error(t, err)

	t.Setenv("SEND_QUEUE_SIZE", "8")
	t.Setenv("SHUTDOWN_GRACE", "soon")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "SHUTDOWN_GRACE")
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(file, []byte("API_INTERNAL_URL=http://api\nINTERNAL_TOKEN=tkn\nREAL_IP_HEADER=CF-Connecting-IP\n"), 0o600))
	t.Setenv("CONFIG_FILE", file)
	// godotenv never overrides variables already present, clear them for the test.
	for _, key := range []string{"API_INTERNAL_URL", "INTERNAL_TOKEN", "REAL_IP_HEADER"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://api", cfg.BackendURL)
	assert.Equal(t, "tkn", cfg.InternalToken)
	assert.Equal(t, "CF-Connecting-IP", cfg.RealIPHeader)
}

func TestLoadToleratesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("API_INTERNAL_URL", "http://api")
	t.Setenv("INTERNAL_TOKEN", "tkn")

	_, err := Load()
	assert.NoError(t, err)
}
