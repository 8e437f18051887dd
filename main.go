package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"synchub/config"
	"synchub/discovery"
	"synchub/network"
	"synchub/pairing"
	"synchub/storage"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "synchub",
		Short: "LAN sync hub for clipboard, notifications, and file transfer",
	}

	var pairOnStart bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), pairOnStart)
		},
	}
	serve.Flags().BoolVar(&pairOnStart, "pair", false, "issue a pairing code at startup and print it")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("synchub " + version)
		},
	}

	root.AddCommand(serve, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(parent context.Context, pairOnStart bool) error {
	identity, dataDir, err := config.LoadOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	settings, err := config.LoadSettings(dataDir)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	log := newLogger(settings.LogLevel)
	log.Info().
		Str("device_id", identity.DeviceID).
		Str("device_name", identity.DeviceName).
		Str("data_dir", dataDir).
		Msg("starting synchub")

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("database close failed")
		}
	}()
	log.Debug().Str("path", dbPath).Msg("database open")

	pairingManager := pairing.NewManager(identity.DeviceID, identity.DeviceName, store, log)

	hub, err := network.NewHub(network.HubOptions{
		SelfDeviceID:        identity.DeviceID,
		SelfDeviceName:      identity.DeviceName,
		Pairing:             pairingManager,
		Devices:             store,
		HeartbeatInterval:   settings.Network.HeartbeatInterval,
		MaxMissedHeartbeats: settings.Network.MaxMissedHeartbeats,
		Reconnect: network.ReconnectPolicy{
			InitialDelay: settings.Network.ReconnectInitialWait,
			MaxDelay:     settings.Network.ReconnectMaxWait,
			MaxAttempts:  settings.Network.ReconnectMaxAttempts,
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	clipboard := network.NewClipboardChannel(network.ClipboardOptions{
		SelfDeviceID: identity.DeviceID,
		Store:        store,
		SyncEnabled:  settings.Clipboard.SyncEnabled,
		RelayEnabled: settings.Clipboard.RelayEnabled,
		Retention:    settings.Clipboard.Retention,
		Peers:        hub.Peers,
		Log:          log,
	})
	notifications := network.NewNotificationChannel(network.NotificationOptions{
		SelfDeviceID:     identity.DeviceID,
		MirroringEnabled: settings.Notifications.MirroringEnabled,
		RelayEnabled:     settings.Notifications.RelayEnabled,
		Peers:            hub.Peers,
		Log:              log,
	})

	downloadDir := settings.Transfers.DownloadDir
	if downloadDir == "" {
		downloadDir = filepath.Join(dataDir, "downloads")
	}
	transfers := network.NewTransferEngine(network.EngineOptions{
		SelfDeviceID:   identity.DeviceID,
		Store:          store,
		ChunkSize:      settings.Transfers.ChunkSize,
		FlowWindow:     settings.Transfers.FlowWindow,
		ResumeEnabled:  settings.Transfers.ResumeEnabled,
		ChecksumVerify: settings.Transfers.ChecksumVerify,
		RateLimitBytes: settings.Transfers.RateLimitBytes,
		DownloadDir:    downloadDir,
		Log:            log,
	})
	defer transfers.Close()

	hub.Wire(clipboard, notifications, transfers)
	if err := hub.Start(settings.ListenPort); err != nil {
		return err
	}

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID: identity.DeviceID,
		DeviceName:   identity.DeviceName,
		DeviceType:   identity.DeviceType,
		ListenPort:   settings.ListenPort,
	})
	if err != nil {
		// The hub still serves direct connections without mDNS.
		log.Warn().Err(err).Msg("discovery unavailable")
	} else {
		defer discoveryService.Stop()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logPeerEvents(log, hub.Events())
	if discoveryService != nil {
		go dialDiscovered(ctx, log, hub, discoveryService.Watcher.Subscribe())
	}
	go pruneClipboard(ctx, clipboard)

	if pairOnStart {
		code, err := pairingManager.IssueCode(settings.Pairing.CodeTTL)
		if err != nil {
			return fmt.Errorf("issue pairing code: %w", err)
		}
		fmt.Printf("Pairing code: %s (expires %s)\n",
			code.Value, code.ExpiresAt().Format(time.Kitchen))
	}

	log.Info().Int("port", settings.ListenPort).Msg("hub running")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hub.Shutdown(shutdownCtx)
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func logPeerEvents(log zerolog.Logger, events <-chan network.PeerEvent) {
	for event := range events {
		entry := log.Info()
		if event.Type == network.PeerLost {
			entry = log.Warn()
		}
		entry.
			Str("event", string(event.Type)).
			Str("device_id", event.DeviceID).
			AnErr("cause", event.Err).
			Msg("peer event")
	}
}

// dialDiscovered connects out to trusted devices as mDNS finds them.
// Untrusted devices are skipped; Dial checks trust before any I/O.
func dialDiscovered(ctx context.Context, log zerolog.Logger, hub *network.Hub, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == discovery.EventDeviceRemoved {
				continue
			}
			device := event.Device
			if len(device.Addresses) == 0 || device.Port == 0 {
				continue
			}
			if hub.Peer(device.DeviceID) != nil {
				continue
			}
			address := net.JoinHostPort(device.Addresses[0], strconv.Itoa(device.Port))
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := hub.Dial(dialCtx, device.DeviceID, address); err != nil {
				log.Debug().
					Err(err).
					Str("device_id", device.DeviceID).
					Str("address", address).
					Msg("dial discovered device failed")
			}
			cancel()
		}
	}
}

func pruneClipboard(ctx context.Context, clipboard *network.ClipboardChannel) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clipboard.Prune()
		}
	}
}
