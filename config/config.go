// Package config owns the hub's persistent identity and runtime settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "synchub"
	// DefaultListenPort is the websocket port used when no override exists.
	DefaultListenPort = 8765
	// identityFileName is the persisted identity file.
	identityFileName = "identity.json"
)

// Identity contains the hub's stable local identity. The device ID is
// generated once and never changes afterwards; peers key trust on it.
type Identity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SYNCHUB_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SYNCHUB_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadIdentity reads and unmarshals identity.json from disk.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	return &identity, nil
}

// SaveIdentity marshals and writes identity.json to disk.
func SaveIdentity(path string, identity *Identity) error {
	raw, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadOrCreateIdentity ensures directories and identity exist, then
// returns the identity and the data directory it lives in.
func LoadOrCreateIdentity() (*Identity, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := IdentityPath(dataDir)
	identity, err := LoadIdentity(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		identity = defaultIdentity()
		if err := SaveIdentity(path, identity); err != nil {
			return nil, "", err
		}

		return identity, dataDir, nil
	}

	if normalizeIdentity(identity) {
		if err := SaveIdentity(path, identity); err != nil {
			return nil, "", err
		}
	}

	return identity, dataDir, nil
}

func defaultIdentity() *Identity {
	deviceName := "Sync Hub"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &Identity{
		DeviceID:   uuid.NewString(),
		DeviceName: deviceName,
		DeviceType: "hub",
	}
}

func normalizeIdentity(identity *Identity) bool {
	updated := false

	if identity.DeviceID == "" {
		identity.DeviceID = uuid.NewString()
		updated = true
	}

	if identity.DeviceName == "" {
		deviceName := "Sync Hub"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		identity.DeviceName = deviceName
		updated = true
	}

	if identity.DeviceType == "" {
		identity.DeviceType = "hub"
		updated = true
	}

	return updated
}
