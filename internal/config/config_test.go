package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"SYNC_URL",
		"USER_ID",
		"CREDENTIAL_PASSPHRASE",
		"SYNC_TOKEN",
		"DEVICE_NAME",
		"STORE_PATH",
		"SYNC_INTERVAL",
		"DEBOUNCE_INTERVAL",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setSyncEnv sets the minimum env vars for a sync-enabled install.
func setSyncEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SYNC_URL", "wss://sync.example.com/ws")
	t.Setenv("USER_ID", "user-1")
	t.Setenv("CREDENTIAL_PASSPHRASE", "correct horse battery staple")
	t.Setenv("STORE_PATH", t.TempDir()+"/sync.db")
}

func TestLoad_SyncMode(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.HasSyncServer())
	assert.Equal(t, "user-1", cfg.UserID)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.DebounceInterval)
	assert.False(t, cfg.IsProduction())
	assert.NotEmpty(t, cfg.DeviceName, "hostname default")
}

func TestLoad_SyncOffModeIsValid(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_PATH", t.TempDir()+"/sync.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.HasSyncServer())
	assert.Empty(t, cfg.UserID, "no identity needed without a server")
}

func TestLoad_SyncRequiresIdentity(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYNC_URL", "wss://sync.example.com/ws")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USER_ID")
}

func TestLoad_SyncRequiresPassphrase(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SYNC_URL", "wss://sync.example.com/ws")
	t.Setenv("USER_ID", "user-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREDENTIAL_PASSPHRASE")
}

func TestLoad_IntervalOverrides(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t)
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("DEBOUNCE_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceInterval)
}

func TestLoad_RejectsNonPositiveIntervals(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t)
	t.Setenv("SYNC_INTERVAL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_INTERVAL")
}

func TestLoad_LogLevel(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_DefaultStorePath(t *testing.T) {
	clearConfigEnv(t)
	setSyncEnv(t)
	os.Unsetenv("STORE_PATH")
	t.Setenv("STORE_PATH", "")
	os.Unsetenv("STORE_PATH")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Contains(t, cfg.StorePath, ".walletsync")
}

func TestIsProduction(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_PATH", t.TempDir()+"/sync.db")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
}
