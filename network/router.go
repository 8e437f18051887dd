package network

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// HandlerFunc processes one decoded inbound frame for a connection.
type HandlerFunc func(conn *Conn, payload []byte) error

// Router is a stateless dispatcher keyed by message type. Unknown types are
// logged and dropped so newer clients never fault an older hub; malformed
// payloads are answered with a protocol_error when feasible and never bring
// down the connection.
type Router struct {
	handlers map[string]HandlerFunc
	log      zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      log.With().Str("component", "router").Logger(),
	}
}

// Register binds a handler to a message type. Later registrations replace
// earlier ones. Not safe for use after routing has started.
func (r *Router) Register(msgType string, handler HandlerFunc) {
	r.handlers[msgType] = handler
}

// Route dispatches one raw inbound frame. Errors from handlers are treated
// as malformed-payload errors: reported to the sender, logged, and dropped.
func (r *Router) Route(conn *Conn, rawFrame []byte) {
	msgType, err := DecodeMessageType(rawFrame)
	if err != nil {
		r.log.Warn().
			Str("peer", conn.PeerDeviceID()).
			Err(err).
			Msg("dropping frame without a valid type")
		_ = conn.SendMessage(ProtocolError{
			Type:    TypeProtocolError,
			Code:    "malformed_frame",
			Message: "frame has no valid type field",
		})
		return
	}

	handler, ok := r.handlers[msgType]
	if !ok {
		// Forward compatibility: unknown types never fault the connection.
		r.log.Debug().
			Str("peer", conn.PeerDeviceID()).
			Str("msg_type", msgType).
			Msg("dropping frame with unregistered type")
		return
	}

	if err := handler(conn, rawFrame); err != nil {
		r.log.Warn().
			Str("peer", conn.PeerDeviceID()).
			Str("msg_type", msgType).
			Err(err).
			Msg("handler rejected frame")
		_ = conn.SendMessage(ProtocolError{
			Type:    TypeProtocolError,
			Code:    "invalid_payload",
			Message: err.Error(),
		})
	}
}

// decodeInto unmarshals a frame into a typed message, normalizing the error
// for handler use.
func decodeInto(payload []byte, dst any) error {
	return json.Unmarshal(payload, dst)
}
