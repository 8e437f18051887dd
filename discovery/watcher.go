package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventDeviceAdded is emitted the first time a device appears.
	EventDeviceAdded EventType = "device_added"
	// EventDeviceUpdated is emitted when a known device's record changes.
	EventDeviceUpdated EventType = "device_updated"
	// EventDeviceRemoved is emitted when a device stops answering scans.
	EventDeviceRemoved EventType = "device_removed"
)

// EventType identifies device discovery updates.
type EventType string

// Event carries discovery updates to subscribers.
type Event struct {
	Type   EventType
	Device Device
}

// Device contains a discovered LAN endpoint.
type Device struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Watcher discovers devices with periodic and manual mDNS browse operations.
// Subscribers get the current device set replayed as added events before any
// live updates, so joining late loses nothing.
type Watcher struct {
	cfg Config

	browse browseFunc

	mu          sync.RWMutex
	devices     map[string]Device
	subscribers []chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewWatcher creates a watcher with config defaults applied.
func NewWatcher(config Config) (*Watcher, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForWatch(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Watcher{
		cfg:             cfg,
		browse:          browse,
		devices:         make(map[string]Device),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (w *Watcher) Start() error {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.wg.Add(1)
		go w.loop()
	})
	return w.startErr
}

// Stop stops background scanning and closes all subscriber channels.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()

		w.mu.Lock()
		for _, sub := range w.subscribers {
			close(sub)
		}
		w.subscribers = nil
		w.mu.Unlock()
	})
}

// Subscribe registers a new event consumer. Devices already known are
// replayed into the channel as added events.
func (w *Watcher) Subscribe() <-chan Event {
	sub := make(chan Event, 128)

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, device := range w.devices {
		sub <- Event{Type: EventDeviceAdded, Device: device}
	}
	w.subscribers = append(w.subscribers, sub)
	return sub
}

// Refresh triggers an immediate scan.
func (w *Watcher) Refresh(ctx context.Context) error {
	if w.ctx == nil {
		return errors.New("watcher is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case w.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return errors.New("watcher is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return errors.New("watcher is stopped")
	}
}

// ListDevices returns the current in-memory discovered device snapshot.
func (w *Watcher) ListDevices() []Device {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Device, 0, len(w.devices))
	for _, device := range w.devices {
		out = append(out, device)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	// Prime the device list immediately.
	w.runScan(context.Background())

	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runScan(context.Background())
		case req := <-w.refreshRequests:
			req.done <- w.runScan(req.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(w.ctx, w.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Device)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, w.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				device.LastSeen = time.Now()
				collectedMu.Lock()
				collected[device.DeviceID] = device
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := w.browse(scanCtx, w.cfg.Service, w.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	w.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Watcher) applySnapshot(next map[string]Device) {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.devices
	w.devices = next

	for id, device := range next {
		old, exists := previous[id]
		switch {
		case !exists:
			w.emitLocked(Event{Type: EventDeviceAdded, Device: device})
		case !devicesEqual(old, device):
			w.emitLocked(Event{Type: EventDeviceUpdated, Device: device})
		}
	}

	for id, device := range previous {
		if _, exists := next[id]; !exists {
			w.emitLocked(Event{Type: EventDeviceRemoved, Device: device})
		}
	}
}

func (w *Watcher) emitLocked(event Event) {
	for _, sub := range w.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// parseEntry converts a browse answer to a Device. Entries without a
// device_id, announcing ourselves, or carrying no usable address are
// dropped rather than surfaced as half-formed devices.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Device, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Device{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)
	if len(addresses) == 0 {
		return Device{}, false
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	deviceType := strings.TrimSpace(txt["device_type"])
	if deviceType == "" {
		deviceType = "unknown"
	}

	return Device{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: deviceType,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func devicesEqual(a, b Device) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
