package network

import "fmt"

// Connection error codes.
const (
	ConnRefused           = "REFUSED"
	ConnTimeout           = "TIMEOUT"
	ConnHeartbeatLost     = "HEARTBEAT_LOST"
	ConnProtocolViolation = "PROTOCOL_VIOLATION"
)

// Transfer error codes.
const (
	TransferChecksumMismatch = "CHECKSUM_MISMATCH"
	TransferPeerRejected     = "PEER_REJECTED"
	TransferPeerCanceled     = "PEER_CANCELED"
	TransferIOFailure        = "IO_FAILURE"
)

// ConnectionError carries a connection-level failure code. Connection errors
// are handled by the reconnect policy and only surface to the application
// once the retry budget is exhausted.
type ConnectionError struct {
	Code string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error [%s]", e.Code)
	}
	return fmt.Sprintf("connection error [%s]: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransferError terminates a single transfer without affecting the
// connection or other transfers.
type TransferError struct {
	TransferID string
	Code       string
	Err        error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transfer %s failed [%s]", e.TransferID, e.Code)
	}
	return fmt.Sprintf("transfer %s failed [%s]: %v", e.TransferID, e.Code, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
