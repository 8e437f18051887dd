package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityGeneratesStableID(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("SYNCHUB_DATA_DIR", dataDir)

	identity, gotDir, err := LoadOrCreateIdentity()
	require.NoError(t, err)
	assert.Equal(t, dataDir, gotDir)
	assert.NotEmpty(t, identity.DeviceID)
	assert.NotEmpty(t, identity.DeviceName)
	assert.Equal(t, "hub", identity.DeviceType)

	// A second load must return the same identity, not mint a new one.
	again, _, err := LoadOrCreateIdentity()
	require.NoError(t, err)
	assert.Equal(t, identity.DeviceID, again.DeviceID)
}

func TestLoadOrCreateIdentityNormalizesPartialFile(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("SYNCHUB_DATA_DIR", dataDir)

	raw := []byte(`{"device_name": "Spare Laptop"}`)
	require.NoError(t, os.WriteFile(IdentityPath(dataDir), raw, 0o600))

	identity, _, err := LoadOrCreateIdentity()
	require.NoError(t, err)
	assert.Equal(t, "Spare Laptop", identity.DeviceName)
	assert.NotEmpty(t, identity.DeviceID, "missing device ID must be backfilled")
	assert.Equal(t, "hub", identity.DeviceType)
}

func TestEnsureDataDirectories(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "synchub")
	require.NoError(t, EnsureDataDirectories(dataDir))

	info, err := os.Stat(filepath.Join(dataDir, "downloads"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := LoadSettings(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultListenPort, settings.ListenPort)
	assert.True(t, settings.Clipboard.SyncEnabled)
	assert.True(t, settings.Clipboard.RelayEnabled)
	assert.Equal(t, 64*1024, settings.Transfers.ChunkSize)
	assert.Equal(t, 16, settings.Transfers.FlowWindow)
	assert.True(t, settings.Transfers.ResumeEnabled)
	assert.Equal(t, 20*time.Second, settings.Network.HeartbeatInterval)
	assert.Equal(t, 3, settings.Network.MaxMissedHeartbeats)
	assert.Equal(t, 2*time.Minute, settings.Pairing.CodeTTL)
}

func TestLoadSettingsFromFile(t *testing.T) {
	dataDir := t.TempDir()
	yaml := []byte("listen_port: 9900\ntransfers:\n  chunk_size: 32768\n  resume_enabled: false\nclipboard:\n  relay_enabled: false\n")
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "settings.yaml"), yaml, 0o600))

	settings, err := LoadSettings(dataDir)
	require.NoError(t, err)

	assert.Equal(t, 9900, settings.ListenPort)
	assert.Equal(t, 32768, settings.Transfers.ChunkSize)
	assert.False(t, settings.Transfers.ResumeEnabled)
	assert.False(t, settings.Clipboard.RelayEnabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, 16, settings.Transfers.FlowWindow)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	dataDir := t.TempDir()
	yaml := []byte("transfers:\n  flow_window: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "settings.yaml"), yaml, 0o600))

	_, err := LoadSettings(dataDir)
	require.Error(t, err)
}
