package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHeartbeatLost indicates the peer stopped answering pings.
var ErrHeartbeatLost = errors.New("network: heartbeat lost")

// ConnState represents the lifecycle state of one peer connection.
type ConnState string

const (
	StateConnecting ConnState = "CONNECTING"
	StateOpen       ConnState = "OPEN"
	StateDraining   ConnState = "DRAINING"
	StateClosed     ConnState = "CLOSED"
)

// ConnOptions controls runtime behavior of a Conn.
type ConnOptions struct {
	PeerDeviceID        string
	PeerDeviceName      string
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
}

// channelSettings holds the per-connection channel toggles flipped by
// client_setting messages.
type channelSettings struct {
	mu                    sync.RWMutex
	clipboardSync         bool
	notificationMirroring bool
}

// Conn is one live duplex session with a peer device. It is exclusively
// owned by its session goroutine; other components reach it only through
// the Hub.
type Conn struct {
	transport Transport

	peerDeviceID   string
	peerDeviceName string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnState

	settings channelSettings

	lastActivity atomic.Int64
	missedPings  atomic.Int32

	heartbeatInterval   time.Duration
	maxMissedHeartbeats int

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConn wraps a transport in CONNECTING state. The caller runs the
// pairing/attach exchange and calls Open before routing traffic.
func NewConn(transport Transport, options ConnOptions) *Conn {
	interval := options.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	maxMissed := options.MaxMissedHeartbeats
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissedHeartbeats
	}

	c := &Conn{
		transport:           transport,
		peerDeviceID:        options.PeerDeviceID,
		peerDeviceName:      options.PeerDeviceName,
		heartbeatInterval:   interval,
		maxMissedHeartbeats: maxMissed,
		inbound:             make(chan []byte, 64),
		closed:              make(chan struct{}),
		state:               StateConnecting,
	}
	c.touchActivity()
	return c
}

// Open transitions the connection to OPEN and starts the read and heartbeat
// loops. Must be called exactly once, after authentication succeeds.
func (c *Conn) Open() {
	c.setState(StateOpen)
	go c.readLoop()
	go c.heartbeatLoop()
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// PeerDeviceID returns the authenticated peer device id.
func (c *Conn) PeerDeviceID() string { return c.peerDeviceID }

// PeerDeviceName returns the peer display name from the handshake.
func (c *Conn) PeerDeviceName() string { return c.peerDeviceName }

// RemoteAddr describes the transport endpoint for logging.
func (c *Conn) RemoteAddr() string { return c.transport.RemoteAddr() }

// Done is closed when the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// ClipboardSyncEnabled reports the per-connection clipboard toggle.
func (c *Conn) ClipboardSyncEnabled() bool {
	c.settings.mu.RLock()
	defer c.settings.mu.RUnlock()
	return c.settings.clipboardSync
}

// NotificationMirroringEnabled reports the per-connection mirroring toggle.
func (c *Conn) NotificationMirroringEnabled() bool {
	c.settings.mu.RLock()
	defer c.settings.mu.RUnlock()
	return c.settings.notificationMirroring
}

// ApplySetting flips a per-connection channel toggle. Unknown settings are
// reported back to the caller so the router can answer with a protocol error.
func (c *Conn) ApplySetting(setting string, value bool) error {
	c.settings.mu.Lock()
	defer c.settings.mu.Unlock()
	switch setting {
	case SettingClipboardSync:
		c.settings.clipboardSync = value
	case SettingNotificationMirroring:
		c.settings.notificationMirroring = value
	default:
		return fmt.Errorf("unknown client setting %q", setting)
	}
	return nil
}

// SendMessage marshals a protocol message and writes it as one frame.
func (c *Conn) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (c *Conn) SendRaw(payload []byte) error {
	if c.State() == StateClosed {
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.transport.WriteFrame(payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// ReceiveMessage waits for the next non-heartbeat inbound frame. Frames are
// delivered in arrival order; the caller processes them sequentially, which
// gives the per-connection ordering guarantee.
func (c *Conn) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain transitions to DRAINING so in-flight writes finish, then closes.
func (c *Conn) Drain() {
	c.setState(StateDraining)
	// Serialize behind any in-progress send before tearing down.
	c.sendMu.Lock()
	c.sendMu.Unlock() //nolint:staticcheck // lock/unlock pairs as a write barrier
	c.closeWithError(nil)
}

// Close terminates the connection immediately.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		payload, err := c.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closeWithError(nil)
			} else {
				c.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		c.touchActivity()
		c.missedPings.Store(0)
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			// Let the router answer malformed frames; it owns the policy.
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
			continue
		}

		switch msgType {
		case TypePing:
			_ = c.SendMessage(Pong{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			// Activity already recorded above.
		default:
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() == StateClosed {
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.heartbeatInterval {
				c.missedPings.Store(0)
				continue
			}

			missed := c.missedPings.Add(1)
			if int(missed) > c.maxMissedHeartbeats {
				c.closeWithError(&ConnectionError{Code: ConnHeartbeatLost, Err: ErrHeartbeatLost})
				return
			}

			if err := c.SendMessage(Ping{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = state
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.stateMu.Lock()
		c.state = StateClosed
		c.stateMu.Unlock()

		_ = c.transport.Close()
		close(c.closed)
	})
}
