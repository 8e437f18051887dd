package storage

import "errors"

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Trust states for a device. A device's trust state advances only through
// the pairing manager; trusted never silently reverts on network errors.
const (
	TrustUnknown = "unknown"
	TrustPending = "pending"
	TrustTrusted = "trusted"
	TrustRevoked = "revoked"
)

// Pairing event results.
const (
	PairingResultAccepted        = "accepted"
	PairingResultCodeInvalid     = "code_invalid"
	PairingResultCodeExpired     = "code_expired"
	PairingResultCodeAlreadyUsed = "code_already_used"
)

// Transfer directions, recorded from the peer device's perspective to match
// the wire vocabulary: the peer uploads files to the hub and downloads files
// from it. A file the hub sends out is therefore a download for the peer
// named by DeviceID.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Transfer statuses.
const (
	TransferPending   = "pending"
	TransferActive    = "active"
	TransferPaused    = "paused"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
	TransferCanceled  = "canceled"
)

// Device is one known peer or hub identity.
type Device struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	TrustState string
	PairedAt   *int64
	LastSeen   *int64
}

// PairingEvent records one pairing attempt outcome for auditability.
type PairingEvent struct {
	ID        int64
	DeviceID  string
	Code      string
	Result    string
	Timestamp int64
}

// TransferRecord is the persisted view of one file movement.
type TransferRecord struct {
	TransferID string
	DeviceID   string
	Direction  string
	FileName   string
	FileSize   int64
	BytesAcked int64
	Status     string
	Checksum   string
	CreatedAt  int64
	UpdatedAt  int64
}

// ClipboardEntry is one clipboard snapshot; entries are superseded, never
// merged or deleted individually.
type ClipboardEntry struct {
	ID             int64
	Content        string
	OriginDeviceID string
	Timestamp      int64
}

func validTrustState(state string) bool {
	switch state {
	case TrustUnknown, TrustPending, TrustTrusted, TrustRevoked:
		return true
	}
	return false
}

func validTransferStatus(status string) bool {
	switch status {
	case TransferPending, TransferActive, TransferPaused, TransferCompleted, TransferFailed, TransferCanceled:
		return true
	}
	return false
}

func nullInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
