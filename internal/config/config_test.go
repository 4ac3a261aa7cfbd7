package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CLIPSYNC_LISTEN_ADDR",
		"CLIPSYNC_DISCOVERY_PORT",
		"CLIPSYNC_ANNOUNCE_INTERVAL",
		"CLIPSYNC_STATIC_PEERS",
		"CLIPSYNC_KEY_FILE",
		"CLIPSYNC_AUTHORIZED_KEYS",
		"CLIPSYNC_STATE_FILE",
		"CLIPSYNC_HISTORY_LIMIT",
		"CLIPSYNC_POLL_INTERVAL",
		"CLIPSYNC_AUTH_TIMEOUT",
		"CLIPSYNC_ABSENCE_TIMEOUT",
		"CLIPSYNC_DEVICE_NAME",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setPathEnv points the file paths at a temp dir so defaults never touch
// the real home directory.
func setPathEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("CLIPSYNC_KEY_FILE", filepath.Join(dir, "identity.key"))
	t.Setenv("CLIPSYNC_AUTHORIZED_KEYS", filepath.Join(dir, "authorized_keys.yaml"))
	t.Setenv("CLIPSYNC_STATE_FILE", filepath.Join(dir, "state.db"))

	return dir
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9470", cfg.ListenAddr)
	assert.Equal(t, 9471, cfg.DiscoveryPort)
	assert.Equal(t, 30*time.Second, cfg.AnnounceInterval)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 300*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AbsenceTimeout)
	assert.Equal(t, "development", cfg.Environment)
	assert.Empty(t, cfg.ParseStaticPeers())
}

func TestLoad_DeviceName_DefaultsToHostname(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestLoad_DeviceName_Override(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_DEVICE_NAME", "laptop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.DeviceName)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_LISTEN_ADDR", ":7000")
	t.Setenv("CLIPSYNC_DISCOVERY_PORT", "7001")
	t.Setenv("CLIPSYNC_HISTORY_LIMIT", "25")
	t.Setenv("CLIPSYNC_POLL_INTERVAL", "1s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 7001, cfg.DiscoveryPort)
	assert.Equal(t, 25, cfg.HistoryLimit)
	assert.Equal(t, time.Second, cfg.PollInterval)
}

// --- Load: validation ---

func TestLoad_InvalidDiscoveryPort(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_DISCOVERY_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIPSYNC_DISCOVERY_PORT")
}

func TestLoad_InvalidHistoryLimit(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_HISTORY_LIMIT", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIPSYNC_HISTORY_LIMIT")
}

func TestLoad_AbsenceShorterThanAnnounce(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_ANNOUNCE_INTERVAL", "1m")
	t.Setenv("CLIPSYNC_ABSENCE_TIMEOUT", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLIPSYNC_ABSENCE_TIMEOUT")
}

func TestLoad_StaticPeerMissingPort(t *testing.T) {
	clearConfigEnv(t)
	setPathEnv(t)
	t.Setenv("CLIPSYNC_STATIC_PEERS", "192.168.1.50")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing port")
}

// --- ParseStaticPeers ---

func TestParseStaticPeers_Empty(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.ParseStaticPeers())
}

func TestParseStaticPeers_SplitsAndTrims(t *testing.T) {
	cfg := &Config{StaticPeers: "10.0.0.1:9470, 10.0.0.2:9470 ,,10.0.0.3:9470"}
	assert.Equal(t, []string{"10.0.0.1:9470", "10.0.0.2:9470", "10.0.0.3:9470"}, cfg.ParseStaticPeers())
}

// --- IsProduction ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
	assert.False(t, (&Config{}).IsProduction())
}
