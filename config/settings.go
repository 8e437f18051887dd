package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings holds tunable runtime behavior. Values come from
// settings.yaml in the data directory, overridable via SYNCHUB_*
// environment variables.
type Settings struct {
	ListenPort int    `mapstructure:"listen_port"`
	LogLevel   string `mapstructure:"log_level"`

	Clipboard     ClipboardSettings    `mapstructure:"clipboard"`
	Notifications NotificationSettings `mapstructure:"notifications"`
	Transfers     TransferSettings     `mapstructure:"transfers"`
	Network       NetworkSettings      `mapstructure:"network"`
	Pairing       PairingSettings      `mapstructure:"pairing"`
}

// ClipboardSettings controls the clipboard sync channel.
type ClipboardSettings struct {
	SyncEnabled  bool          `mapstructure:"sync_enabled"`
	RelayEnabled bool          `mapstructure:"relay_enabled"`
	Retention    time.Duration `mapstructure:"retention"`
}

// NotificationSettings controls the notification mirror channel.
type NotificationSettings struct {
	MirroringEnabled bool `mapstructure:"mirroring_enabled"`
	RelayEnabled     bool `mapstructure:"relay_enabled"`
}

// TransferSettings controls the file transfer engine.
type TransferSettings struct {
	ChunkSize      int    `mapstructure:"chunk_size"`
	FlowWindow     int    `mapstructure:"flow_window"`
	ResumeEnabled  bool   `mapstructure:"resume_enabled"`
	ChecksumVerify bool   `mapstructure:"checksum_verify"`
	RateLimitBytes int    `mapstructure:"rate_limit_bytes"`
	DownloadDir    string `mapstructure:"download_dir"`
}

// NetworkSettings controls connection lifecycle tuning.
type NetworkSettings struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxMissedHeartbeats  int           `mapstructure:"max_missed_heartbeats"`
	ReconnectInitialWait time.Duration `mapstructure:"reconnect_initial_wait"`
	ReconnectMaxWait     time.Duration `mapstructure:"reconnect_max_wait"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

// PairingSettings controls pairing code issuance.
type PairingSettings struct {
	CodeTTL time.Duration `mapstructure:"code_ttl"`
}

// LoadSettings reads settings.yaml from the data directory, applying
// defaults for anything unset. A missing file is not an error.
func LoadSettings(dataDir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("settings")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("SYNCHUB")
	v.AutomaticEnv()

	v.SetDefault("listen_port", DefaultListenPort)
	v.SetDefault("log_level", "info")

	v.SetDefault("clipboard.sync_enabled", true)
	v.SetDefault("clipboard.relay_enabled", true)
	v.SetDefault("clipboard.retention", 72*time.Hour)

	v.SetDefault("notifications.mirroring_enabled", true)
	v.SetDefault("notifications.relay_enabled", true)

	v.SetDefault("transfers.chunk_size", 64*1024)
	v.SetDefault("transfers.flow_window", 16)
	v.SetDefault("transfers.resume_enabled", true)
	v.SetDefault("transfers.checksum_verify", true)
	v.SetDefault("transfers.rate_limit_bytes", 0)
	v.SetDefault("transfers.download_dir", "")

	v.SetDefault("network.heartbeat_interval", 20*time.Second)
	v.SetDefault("network.max_missed_heartbeats", 3)
	v.SetDefault("network.reconnect_initial_wait", time.Second)
	v.SetDefault("network.reconnect_max_wait", time.Minute)
	v.SetDefault("network.reconnect_max_attempts", 10)

	v.SetDefault("pairing.code_ttl", 2*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Settings) validate() error {
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d is out of range", s.ListenPort)
	}
	if s.Transfers.ChunkSize <= 0 {
		return fmt.Errorf("transfers.chunk_size must be > 0")
	}
	if s.Transfers.FlowWindow <= 0 {
		return fmt.Errorf("transfers.flow_window must be > 0")
	}
	if s.Network.HeartbeatInterval <= 0 {
		return fmt.Errorf("network.heartbeat_interval must be > 0")
	}
	if s.Network.ReconnectInitialWait > s.Network.ReconnectMaxWait {
		return fmt.Errorf("network.reconnect_initial_wait exceeds reconnect_max_wait")
	}
	return nil
}
