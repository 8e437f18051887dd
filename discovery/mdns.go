// Package discovery advertises the hub on the local network and watches
// for other sync-capable devices via mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_synchub._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRescanInterval is the background peer discovery interval.
	DefaultRescanInterval = 15 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 4 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertisement and watching.
type Config struct {
	Service        string
	Domain         string
	Version        int
	RescanInterval time.Duration
	ScanTimeout    time.Duration

	SelfDeviceID string
	DeviceName   string
	DeviceType   string
	ListenPort   int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RescanInterval <= 0 {
		out.RescanInterval = DefaultRescanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.DeviceType == "" {
		out.DeviceType = "hub"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListenPort <= 0 {
		return errors.New("listen port must be > 0")
	}
	return nil
}

func (c Config) validateForWatch() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Advertiser publishes the hub's presence record. Registration failure is
// fatal to startup, the caller does not retry a socket that cannot bind.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the hub's mDNS service record.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"device_name=" + cfg.DeviceName,
		"device_type=" + cfg.DeviceType,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListenPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service bundles an advertiser and watcher started from one config.
type Service struct {
	Advertiser *Advertiser
	Watcher    *Watcher
}

// Start starts advertisement and watching together.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{
		Advertiser: advertiser,
		Watcher:    watcher,
	}, nil
}

// Stop stops the watcher then the advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
