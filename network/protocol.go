package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	// File payloads travel as bounded chunks well below this.
	MaxFrameSize = 1024 * 1024
	// DefaultHeartbeatInterval sends ping on idle connections.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultMaxMissedHeartbeats forces closure after this many unanswered pings.
	DefaultMaxMissedHeartbeats = 3
	// DefaultHandshakeTimeout bounds the pairing/attach exchange on a new transport.
	DefaultHandshakeTimeout = 15 * time.Second
)

const (
	TypePairingRequest      = "pairing_request"
	TypePairingResponse     = "pairing_response"
	TypeAttachRequest       = "attach_request"
	TypeAttachResponse      = "attach_response"
	TypeClipboardUpdate     = "clipboard_update"
	TypeNotification        = "notification"
	TypeNotificationRemoved = "notification_removed"
	TypeClientSetting       = "client_setting"
	TypeFileUploadRequest   = "file_upload_request"
	TypeFileDownloadRequest = "file_download_request"
	TypeFileTransferResp    = "file_transfer_response"
	TypeFileChunk           = "file_chunk"
	TypeChunkAck            = "chunk_ack"
	TypeTransferUpdate      = "transfer_update"
	TypeTransferComplete    = "transfer_complete"
	TypeCancelTransfer      = "cancel_transfer"
	TypeUnpair              = "unpair"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeProtocolError       = "protocol_error"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const (
	SettingClipboardSync         = "clipboard_sync"
	SettingNotificationMirroring = "notification_mirroring"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// PairingRequest is sent by an untrusted device holding a pairing code.
type PairingRequest struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type,omitempty"`
}

// PairingResponse reports the pairing outcome to the requesting device.
type PairingResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	HubID   string `json:"hub_id,omitempty"`
	HubName string `json:"hub_name,omitempty"`
}

// AttachRequest re-authenticates an already-trusted device on a new transport.
type AttachRequest struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// AttachResponse reports the attach outcome.
type AttachResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ClipboardUpdate propagates one clipboard snapshot.
type ClipboardUpdate struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
	OriginDeviceID string `json:"origin_device_id"`
}

// Notification mirrors one posted OS notification by stable id.
type Notification struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	AppName   string `json:"app_name"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// NotificationRemoved dismisses a previously mirrored notification.
type NotificationRemoved struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ClientSetting toggles a per-connection channel setting.
type ClientSetting struct {
	Type    string `json:"type"`
	Setting string `json:"setting"`
	Value   bool   `json:"value"`
}

// FileUploadRequest announces an inbound file before any bytes move.
type FileUploadRequest struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FileType   string `json:"file_type,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// FileDownloadRequest asks the peer to start an upload of a stored file.
type FileDownloadRequest struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	FileID     string `json:"file_id"`
}

// FileTransferResponse accepts or rejects an announced transfer. ResumeFrom
// carries the next expected chunk sequence when resuming a partial transfer.
type FileTransferResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Accept     bool   `json:"accept"`
	ResumeFrom uint64 `json:"resume_from,omitempty"`
	Message    string `json:"message,omitempty"`
}

// FileChunk carries one bounded unit of file payload.
type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Sequence   uint64 `json:"sequence"`
	Data       string `json:"data"`
}

// ChunkAck confirms receipt of one chunk. Acks are strictly in order per
// transfer; Sequence is the chunk just written.
type ChunkAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Sequence   uint64 `json:"sequence"`
}

// TransferUpdate reports acknowledged progress for one transfer.
type TransferUpdate struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transfer_id"`
	Progress   float64 `json:"progress"`
	Status     string  `json:"status"`
}

// TransferComplete finishes a transfer with a terminal status.
type TransferComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// CancelTransfer requests cooperative cancellation of an active transfer.
type CancelTransfer struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// Unpair revokes trust for a device and tears down its connection.
type Unpair struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

// Ping is a heartbeat probe.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a heartbeat probe.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ProtocolError reports a malformed or unprocessable frame to the sender.
type ProtocolError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RelatedID string `json:"related_id,omitempty"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}
