package network

import (
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport carries discrete protocol frames. The message protocol is
// transport-agnostic; the shipped implementation wraps a WebSocket, and tests
// use an in-memory pipe.
type Transport interface {
	// ReadFrame blocks until the next frame arrives or the transport fails.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame. Safe for one writer at a time.
	WriteFrame(payload []byte) error
	// Close tears down the transport; pending reads unblock with an error.
	Close() error
	// RemoteAddr describes the remote endpoint for logging.
	RemoteAddr() string
}

// WebSocketTransport adapts a *websocket.Conn to the Transport interface.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(MaxFrameSize)
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) ReadFrame() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return payload, nil
}

func (t *WebSocketTransport) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// pipeTransport is an in-memory Transport for tests and loopback sessions.
type pipeTransport struct {
	in  <-chan []byte
	out chan<- []byte

	closeOnce  sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}
}

// NewPipe returns two connected in-memory transports. Frames written to one
// side are read from the other. Buffered so moderate traffic does not
// require a concurrent reader.
func NewPipe() (Transport, Transport) {
	aToB := make(chan []byte, 256)
	bToA := make(chan []byte, 256)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeTransport{in: bToA, out: aToB, closed: aClosed, peerClosed: bClosed}
	b := &pipeTransport{in: aToB, out: bToA, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	select {
	case payload := <-p.in:
		return payload, nil
	case <-p.closed:
		return nil, errors.New("network: transport closed")
	case <-p.peerClosed:
		// Drain frames written before the peer closed.
		select {
		case payload := <-p.in:
			return payload, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeTransport) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := append([]byte(nil), payload...)
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return errors.New("network: transport closed")
	case <-p.peerClosed:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *pipeTransport) RemoteAddr() string {
	return "pipe"
}
