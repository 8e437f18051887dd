package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"synchub/pairing"
)

// PeerEventType identifies peer lifecycle events surfaced by the hub.
type PeerEventType string

const (
	// PeerAttached fires when a device completes pairing or attach.
	PeerAttached PeerEventType = "peer_attached"
	// PeerDetached fires when a session ends; a reconnect may follow.
	PeerDetached PeerEventType = "peer_detached"
	// PeerLost fires when the reconnect budget for a device is exhausted.
	PeerLost PeerEventType = "peer_lost"
)

// PeerEvent is one peer lifecycle change.
type PeerEvent struct {
	Type     PeerEventType
	DeviceID string
	Err      error
}

// PairingAuthority is the trust surface the hub needs.
// *pairing.Manager satisfies it.
type PairingAuthority interface {
	Submit(request pairing.Request) pairing.Result
	Authenticate(deviceID string) error
	Revoke(deviceID string) error
}

// DeviceStore records device sightings. *storage.Store satisfies it.
type DeviceStore interface {
	TouchDeviceSeen(deviceID string, timestamp int64) error
}

// HubOptions configures a Hub.
type HubOptions struct {
	SelfDeviceID   string
	SelfDeviceName string

	Pairing PairingAuthority
	Devices DeviceStore

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	HandshakeTimeout    time.Duration
	Reconnect           ReconnectPolicy

	Log zerolog.Logger
}

// Hub owns every live peer session. It listens for websocket connections,
// runs the pairing/attach handshake, routes session traffic, and keeps
// reconnect workers alive for peers that drop.
type Hub struct {
	opts   HubOptions
	log    zerolog.Logger
	router *Router

	clipboard     *ClipboardChannel
	notifications *NotificationChannel
	transfers     *TransferEngine

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conns  map[string]*Conn

	reconnectMu      sync.Mutex
	reconnectWorkers map[string]context.CancelFunc

	suppressMu        sync.Mutex
	suppressReconnect map[string]bool

	addrMu    sync.RWMutex
	addresses map[string]string

	eventMu      sync.Mutex
	eventsClosed bool
	events       chan PeerEvent
}

// NewHub creates a hub. Wire must be called before Start.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Pairing == nil {
		return nil, errors.New("pairing authority is required")
	}
	if opts.SelfDeviceID == "" {
		return nil, errors.New("self device ID is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := &Hub{
		opts:              opts,
		log:               opts.Log.With().Str("component", "hub").Logger(),
		router:            NewRouter(opts.Log),
		ctx:               ctx,
		cancel:            cancel,
		conns:             make(map[string]*Conn),
		reconnectWorkers:  make(map[string]context.CancelFunc),
		suppressReconnect: make(map[string]bool),
		addresses:         make(map[string]string),
		events:            make(chan PeerEvent, 64),
		upgrader: websocket.Upgrader{
			// LAN peers connect straight from apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return hub, nil
}

// Wire attaches the channels and the transfer engine, then registers all
// message handlers.
func (h *Hub) Wire(clipboard *ClipboardChannel, notifications *NotificationChannel, transfers *TransferEngine) {
	h.clipboard = clipboard
	h.notifications = notifications
	h.transfers = transfers
	h.registerHandlers()
}

// Start listens for websocket connections on the given port.
func (h *Hub) Start(port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)

	h.server = &http.Server{Handler: mux}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error().Err(err).Msg("websocket server stopped")
		}
	}()

	h.log.Info().Str("addr", listener.Addr().String()).Msg("hub listening")
	return nil
}

// Addr returns the bound listener address.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Events surfaces peer lifecycle changes.
func (h *Hub) Events() <-chan PeerEvent {
	return h.events
}

// Peers returns a snapshot of the live connections.
func (h *Hub) Peers() []*Conn {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		out = append(out, conn)
	}
	return out
}

// Peer returns the live connection for a device, if any.
func (h *Hub) Peer(deviceID string) *Conn {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return h.conns[deviceID]
}

// Shutdown drains every session and stops the listener.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.reconnectMu.Lock()
	for _, cancel := range h.reconnectWorkers {
		cancel()
	}
	h.reconnectWorkers = make(map[string]context.CancelFunc)
	h.reconnectMu.Unlock()

	h.connMu.Lock()
	for _, conn := range h.conns {
		conn.Drain()
	}
	h.conns = make(map[string]*Conn)
	h.connMu.Unlock()

	var err error
	if h.server != nil {
		err = h.server.Shutdown(ctx)
	}
	h.wg.Wait()

	h.eventMu.Lock()
	if !h.eventsClosed {
		h.eventsClosed = true
		close(h.events)
	}
	h.eventMu.Unlock()
	return err
}

// Dial connects out to a discovered device and runs the attach handshake.
// The caller supplies the device id it expects on the other end.
func (h *Hub) Dial(ctx context.Context, deviceID, address string) (*Conn, error) {
	if err := h.opts.Pairing.Authenticate(deviceID); err != nil {
		return nil, err
	}

	wsURL := "ws://" + address + "/ws"
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	transport := NewWebSocketTransport(wsConn)

	request := AttachRequest{
		Type:       TypeAttachRequest,
		DeviceID:   h.opts.SelfDeviceID,
		DeviceName: h.opts.SelfDeviceName,
	}
	payload, err := EncodeJSON(request)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := transport.WriteFrame(payload); err != nil {
		_ = transport.Close()
		return nil, err
	}

	raw, err := readFrameWithTimeout(transport, h.opts.HandshakeTimeout)
	if err != nil {
		_ = transport.Close()
		return nil, &ConnectionError{Code: ConnTimeout, Err: err}
	}
	var response AttachResponse
	if err := decodeInto(raw, &response); err != nil {
		_ = transport.Close()
		return nil, &ConnectionError{Code: ConnProtocolViolation, Err: err}
	}
	if response.Status != StatusSuccess {
		_ = transport.Close()
		return nil, &ConnectionError{Code: ConnRefused, Err: errors.New(response.Message)}
	}

	h.rememberAddress(deviceID, address)
	conn := h.newConn(transport, deviceID, "")
	h.register(conn)
	return conn, nil
}

// Unpair revokes trust for a device, notifies it, and tears the session
// down without scheduling a reconnect.
func (h *Hub) Unpair(deviceID string) error {
	if err := h.opts.Pairing.Revoke(deviceID); err != nil {
		return err
	}

	h.markSuppressReconnect(deviceID)
	h.stopReconnect(deviceID)

	if conn := h.Peer(deviceID); conn != nil {
		_ = conn.SendMessage(Unpair{Type: TypeUnpair, DeviceID: deviceID})
		conn.Drain()
	}
	return nil
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	if h.ctx.Err() != nil {
		_ = wsConn.Close()
		return
	}

	transport := NewWebSocketTransport(wsConn)
	conn, err := h.handshake(transport)
	if err != nil {
		h.log.Info().Err(err).Str("remote", transport.RemoteAddr()).Msg("handshake rejected")
		_ = transport.Close()
		return
	}

	h.register(conn)
}

// handshake reads the first frame and requires it to be a pairing_request
// or attach_request. Anything else, or silence past the deadline, drops
// the transport.
func (h *Hub) handshake(transport Transport) (*Conn, error) {
	raw, err := readFrameWithTimeout(transport, h.opts.HandshakeTimeout)
	if err != nil {
		return nil, &ConnectionError{Code: ConnTimeout, Err: err}
	}

	msgType, err := DecodeMessageType(raw)
	if err != nil {
		return nil, &ConnectionError{Code: ConnProtocolViolation, Err: err}
	}

	switch msgType {
	case TypePairingRequest:
		var request PairingRequest
		if err := decodeInto(raw, &request); err != nil {
			return nil, &ConnectionError{Code: ConnProtocolViolation, Err: err}
		}
		return h.handshakePairing(transport, request)

	case TypeAttachRequest:
		var request AttachRequest
		if err := decodeInto(raw, &request); err != nil {
			return nil, &ConnectionError{Code: ConnProtocolViolation, Err: err}
		}
		return h.handshakeAttach(transport, request)

	default:
		return nil, &ConnectionError{
			Code: ConnProtocolViolation,
			Err:  fmt.Errorf("unexpected handshake message %q", msgType),
		}
	}
}

func (h *Hub) handshakePairing(transport Transport, request PairingRequest) (*Conn, error) {
	result := h.opts.Pairing.Submit(pairing.Request{
		Code:       request.Code,
		DeviceID:   request.DeviceID,
		DeviceName: request.DeviceName,
		DeviceType: request.DeviceType,
	})

	response := PairingResponse{
		Type:    TypePairingResponse,
		Status:  StatusFailure,
		Message: result.Message,
	}
	if result.Accepted {
		response.Status = StatusSuccess
		response.HubID = h.opts.SelfDeviceID
		response.HubName = h.opts.SelfDeviceName
	}

	payload, err := EncodeJSON(response)
	if err != nil {
		return nil, err
	}
	if err := transport.WriteFrame(payload); err != nil {
		return nil, err
	}

	if !result.Accepted {
		return nil, &ConnectionError{
			Code: ConnRefused,
			Err:  fmt.Errorf("pairing rejected: %s", result.Reason),
		}
	}

	return h.newConn(transport, request.DeviceID, request.DeviceName), nil
}

func (h *Hub) handshakeAttach(transport Transport, request AttachRequest) (*Conn, error) {
	if err := h.opts.Pairing.Authenticate(request.DeviceID); err != nil {
		response := AttachResponse{
			Type:    TypeAttachResponse,
			Status:  StatusFailure,
			Message: "device is not trusted, pairing required",
		}
		if payload, encodeErr := EncodeJSON(response); encodeErr == nil {
			_ = transport.WriteFrame(payload)
		}
		return nil, &ConnectionError{Code: ConnRefused, Err: err}
	}

	response := AttachResponse{Type: TypeAttachResponse, Status: StatusSuccess}
	payload, err := EncodeJSON(response)
	if err != nil {
		return nil, err
	}
	if err := transport.WriteFrame(payload); err != nil {
		return nil, err
	}

	return h.newConn(transport, request.DeviceID, request.DeviceName), nil
}

func (h *Hub) newConn(transport Transport, deviceID, deviceName string) *Conn {
	return NewConn(transport, ConnOptions{
		PeerDeviceID:        deviceID,
		PeerDeviceName:      deviceName,
		HeartbeatInterval:   h.opts.HeartbeatInterval,
		MaxMissedHeartbeats: h.opts.MaxMissedHeartbeats,
	})
}

// register installs a conn as the single live session for its device. A
// fresh handshake supersedes any existing session for the same device.
func (h *Hub) register(conn *Conn) {
	deviceID := conn.PeerDeviceID()

	h.connMu.Lock()
	if existing, exists := h.conns[deviceID]; exists && existing != conn {
		existing.Drain()
	}
	h.conns[deviceID] = conn
	h.connMu.Unlock()

	h.stopReconnect(deviceID)
	if h.opts.Devices != nil {
		_ = h.opts.Devices.TouchDeviceSeen(deviceID, time.Now().UnixMilli())
	}

	conn.Open()
	if h.transfers != nil {
		h.transfers.HandleReattach(conn)
	}
	h.emit(PeerEvent{Type: PeerAttached, DeviceID: deviceID})
	h.log.Info().
		Str("device_id", deviceID).
		Str("remote", conn.RemoteAddr()).
		Msg("peer attached")

	h.wg.Add(1)
	go h.sessionLoop(conn)
}

// sessionLoop routes one session's inbound frames sequentially, which is
// what gives each connection its in-order delivery guarantee.
func (h *Hub) sessionLoop(conn *Conn) {
	defer h.wg.Done()

	deviceID := conn.PeerDeviceID()
	for {
		payload, err := conn.ReceiveMessage(h.ctx)
		if err != nil {
			break
		}
		h.router.Route(conn, payload)
	}
	_ = conn.Close()

	h.connMu.Lock()
	if current := h.conns[deviceID]; current == conn {
		delete(h.conns, deviceID)
	} else {
		// Superseded by a newer session; nothing further to clean up.
		h.connMu.Unlock()
		return
	}
	h.connMu.Unlock()

	if h.transfers != nil {
		h.transfers.HandleDisconnect(deviceID)
	}
	h.emit(PeerEvent{Type: PeerDetached, DeviceID: deviceID, Err: conn.LastError()})
	h.log.Info().
		Str("device_id", deviceID).
		AnErr("cause", conn.LastError()).
		Msg("peer detached")

	if h.consumeSuppressReconnect(deviceID) {
		return
	}
	if h.opts.Pairing.Authenticate(deviceID) != nil {
		return
	}
	if address := h.lastAddress(deviceID); address != "" {
		h.startReconnect(deviceID, address)
	}
}

// startReconnect launches one reconnect worker per device. The worker runs
// the backoff schedule until the device is back, the budget is spent, or
// the device is unpaired.
func (h *Hub) startReconnect(deviceID, address string) {
	h.reconnectMu.Lock()
	if _, exists := h.reconnectWorkers[deviceID]; exists {
		h.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	h.reconnectWorkers[deviceID] = cancel
	h.reconnectMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.stopReconnect(deviceID)

		err := h.opts.Reconnect.Retry(ctx, func() error {
			if ctx.Err() != nil {
				return backoffPermanent(ctx.Err())
			}
			_, dialErr := h.Dial(ctx, deviceID, address)
			return dialErr
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		h.emit(PeerEvent{Type: PeerLost, DeviceID: deviceID, Err: err})
		h.log.Warn().
			Err(err).
			Str("device_id", deviceID).
			Msg("reconnect budget exhausted")
	}()
}

func (h *Hub) stopReconnect(deviceID string) {
	h.reconnectMu.Lock()
	cancel, exists := h.reconnectWorkers[deviceID]
	if exists {
		delete(h.reconnectWorkers, deviceID)
	}
	h.reconnectMu.Unlock()
	if exists {
		cancel()
	}
}

func (h *Hub) registerHandlers() {
	h.router.Register(TypeClientSetting, func(conn *Conn, payload []byte) error {
		var setting ClientSetting
		if err := decodeInto(payload, &setting); err != nil {
			return err
		}
		return conn.ApplySetting(setting.Setting, setting.Value)
	})

	h.router.Register(TypePairingRequest, func(conn *Conn, payload []byte) error {
		// Re-pairing over a live session: same validation path as the
		// handshake, but the session stays up either way.
		var request PairingRequest
		if err := decodeInto(payload, &request); err != nil {
			return err
		}
		result := h.opts.Pairing.Submit(pairing.Request{
			Code:       request.Code,
			DeviceID:   request.DeviceID,
			DeviceName: request.DeviceName,
			DeviceType: request.DeviceType,
		})
		response := PairingResponse{Type: TypePairingResponse, Status: StatusFailure, Message: result.Message}
		if result.Accepted {
			response.Status = StatusSuccess
			response.HubID = h.opts.SelfDeviceID
			response.HubName = h.opts.SelfDeviceName
		}
		return conn.SendMessage(response)
	})

	h.router.Register(TypeUnpair, func(conn *Conn, payload []byte) error {
		var message Unpair
		if err := decodeInto(payload, &message); err != nil {
			return err
		}
		deviceID := conn.PeerDeviceID()
		if err := h.opts.Pairing.Revoke(deviceID); err != nil {
			h.log.Error().Err(err).Str("device_id", deviceID).Msg("revoke on unpair failed")
		}
		h.markSuppressReconnect(deviceID)
		conn.Drain()
		return nil
	})

	if h.clipboard != nil {
		h.router.Register(TypeClipboardUpdate, func(conn *Conn, payload []byte) error {
			var update ClipboardUpdate
			if err := decodeInto(payload, &update); err != nil {
				return err
			}
			return h.clipboard.HandleUpdate(conn, update)
		})
	}

	if h.notifications != nil {
		h.router.Register(TypeNotification, func(conn *Conn, payload []byte) error {
			var notification Notification
			if err := decodeInto(payload, &notification); err != nil {
				return err
			}
			return h.notifications.HandleNotification(conn, notification)
		})
		h.router.Register(TypeNotificationRemoved, func(conn *Conn, payload []byte) error {
			var removed NotificationRemoved
			if err := decodeInto(payload, &removed); err != nil {
				return err
			}
			return h.notifications.HandleRemoved(conn, removed)
		})
	}

	if h.transfers != nil {
		h.router.Register(TypeFileUploadRequest, func(conn *Conn, payload []byte) error {
			var request FileUploadRequest
			if err := decodeInto(payload, &request); err != nil {
				return err
			}
			return h.transfers.HandleUploadRequest(conn, request)
		})
		h.router.Register(TypeFileDownloadRequest, func(conn *Conn, payload []byte) error {
			var request FileDownloadRequest
			if err := decodeInto(payload, &request); err != nil {
				return err
			}
			return h.transfers.HandleDownloadRequest(conn, request)
		})
		h.router.Register(TypeFileChunk, func(conn *Conn, payload []byte) error {
			var chunk FileChunk
			if err := decodeInto(payload, &chunk); err != nil {
				return err
			}
			return h.transfers.HandleChunk(conn, chunk)
		})
		h.router.Register(TypeChunkAck, func(conn *Conn, payload []byte) error {
			var ack ChunkAck
			if err := decodeInto(payload, &ack); err != nil {
				return err
			}
			h.transfers.HandleChunkAck(ack)
			return nil
		})
		h.router.Register(TypeFileTransferResp, func(conn *Conn, payload []byte) error {
			var response FileTransferResponse
			if err := decodeInto(payload, &response); err != nil {
				return err
			}
			h.transfers.HandleTransferResponse(response)
			return nil
		})
		h.router.Register(TypeTransferComplete, func(conn *Conn, payload []byte) error {
			var complete TransferComplete
			if err := decodeInto(payload, &complete); err != nil {
				return err
			}
			h.transfers.HandleTransferComplete(complete)
			return nil
		})
		h.router.Register(TypeCancelTransfer, func(conn *Conn, payload []byte) error {
			var cancel CancelTransfer
			if err := decodeInto(payload, &cancel); err != nil {
				return err
			}
			h.transfers.HandleCancel(cancel)
			return nil
		})
	}

	h.router.Register(TypeProtocolError, func(conn *Conn, payload []byte) error {
		var protocolError ProtocolError
		if err := decodeInto(payload, &protocolError); err != nil {
			return err
		}
		h.log.Warn().
			Str("peer", conn.PeerDeviceID()).
			Str("code", protocolError.Code).
			Str("message", protocolError.Message).
			Msg("peer reported protocol error")
		return nil
	})
}

func (h *Hub) rememberAddress(deviceID, address string) {
	h.addrMu.Lock()
	h.addresses[deviceID] = address
	h.addrMu.Unlock()
}

func (h *Hub) lastAddress(deviceID string) string {
	h.addrMu.RLock()
	defer h.addrMu.RUnlock()
	return h.addresses[deviceID]
}

func (h *Hub) markSuppressReconnect(deviceID string) {
	h.suppressMu.Lock()
	h.suppressReconnect[deviceID] = true
	h.suppressMu.Unlock()
}

func (h *Hub) consumeSuppressReconnect(deviceID string) bool {
	h.suppressMu.Lock()
	defer h.suppressMu.Unlock()
	suppress := h.suppressReconnect[deviceID]
	delete(h.suppressReconnect, deviceID)
	return suppress
}

// emit publishes a peer event without blocking. Upgraded websocket handlers
// are hijacked out of the http server's shutdown accounting, so a handshake
// can finish after Shutdown has started; the closed flag keeps such a late
// register from sending on a closed channel.
func (h *Hub) emit(event PeerEvent) {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	if h.eventsClosed {
		return
	}
	select {
	case h.events <- event:
	default:
	}
}

// readFrameWithTimeout bounds a single frame read, used only during the
// handshake before the connection's own loops take over.
func readFrameWithTimeout(transport Transport, timeout time.Duration) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		payload, err := transport.ReadFrame()
		resultCh <- result{payload: payload, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-resultCh:
		return r.payload, r.err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	}
}
