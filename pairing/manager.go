// Package pairing issues one-time pairing codes and owns device trust
// transitions. A single unconsumed code may be outstanding at a time;
// issuing a new one invalidates the previous.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"synchub/storage"
)

const (
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 6
	// DefaultTTL is the code lifetime when the caller does not specify one.
	DefaultTTL = 2 * time.Minute

	// codeAlphabet avoids visually ambiguous characters (0/O, 1/I/L).
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// Rejection reasons carried by Error.
const (
	CodeInvalid     = "CODE_INVALID"
	CodeExpired     = "CODE_EXPIRED"
	CodeAlreadyUsed = "CODE_ALREADY_USED"
	AlreadyPaired   = "ALREADY_PAIRED"
)

// Error is a pairing rejection with a machine-readable reason.
type Error struct {
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pairing rejected [%s]: %s", e.Reason, e.Message)
}

// Store is the persistence surface the manager needs. *storage.Store
// satisfies it.
type Store interface {
	UpsertDevice(device storage.Device) error
	GetDevice(deviceID string) (storage.Device, error)
	SetTrustState(deviceID, state string, timestamp int64) error
	RecordPairingEvent(event storage.PairingEvent) error
}

// Code is one issued pairing code.
type Code struct {
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
}

// ExpiresAt returns the instant after which the code is no longer valid.
func (c Code) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

// Request is a candidate device submitting a code.
type Request struct {
	Code       string
	DeviceID   string
	DeviceName string
	DeviceType string
}

// Result is the outcome of one pairing request.
type Result struct {
	Accepted bool
	DeviceID string
	Reason   string
	Message  string
}

type issuedCode struct {
	Code
	consumed bool
}

// Manager validates pairing requests against the outstanding code and
// advances device trust state. It is the only writer of trust transitions.
type Manager struct {
	hubID   string
	hubName string
	store   Store
	log     zerolog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu   sync.Mutex
	code *issuedCode
}

// NewManager creates a pairing manager backed by the given store.
func NewManager(hubID, hubName string, store Store, log zerolog.Logger) *Manager {
	return &Manager{
		hubID:   hubID,
		hubName: hubName,
		store:   store,
		log:     log.With().Str("component", "pairing").Logger(),
		now:     time.Now,
	}
}

// IssueCode generates a fresh code with the given TTL, invalidating any
// previously outstanding code.
func (m *Manager) IssueCode(ttl time.Duration) (Code, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	value, err := generateCode(CodeLength)
	if err != nil {
		return Code{}, fmt.Errorf("generate pairing code: %w", err)
	}

	code := Code{
		Value:    value,
		IssuedAt: m.now(),
		TTL:      ttl,
	}

	m.mu.Lock()
	m.code = &issuedCode{Code: code}
	m.mu.Unlock()

	m.log.Info().Str("code", value).Dur("ttl", ttl).Msg("pairing code issued")
	return code, nil
}

// ActiveCode returns the outstanding code, if one exists and has neither
// expired nor been consumed.
func (m *Manager) ActiveCode() (Code, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code == nil || m.code.consumed || m.now().After(m.code.ExpiresAt()) {
		return Code{}, false
	}
	return m.code.Code, true
}

// Submit validates a pairing request. On acceptance the code is consumed,
// the candidate device becomes trusted, and the transition is persisted.
// Rejections are always surfaced immediately; a code is single-use so the
// requester must obtain a fresh one rather than retry.
func (m *Manager) Submit(req Request) Result {
	submitted := strings.ToUpper(strings.TrimSpace(req.Code))

	m.mu.Lock()
	reason := m.validateLocked(submitted)
	if reason == "" {
		m.code.consumed = true
	}
	m.mu.Unlock()

	if reason != "" {
		m.recordAttempt(req, reasonToResult(reason))
		m.log.Warn().
			Str("device_id", req.DeviceID).
			Str("reason", reason).
			Msg("pairing request rejected")
		return Result{
			Accepted: false,
			DeviceID: req.DeviceID,
			Reason:   reason,
			Message:  reasonMessage(reason),
		}
	}

	now := m.now().UnixMilli()
	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = "unknown"
	}
	device := storage.Device{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		DeviceType: deviceType,
		TrustState: storage.TrustTrusted,
		PairedAt:   &now,
		LastSeen:   &now,
	}
	if err := m.store.UpsertDevice(device); err != nil {
		m.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("persist paired device failed")
	}
	// Re-pairing path: the upsert preserves an existing row's trust state,
	// so stamp trusted explicitly.
	if err := m.store.SetTrustState(req.DeviceID, storage.TrustTrusted, now); err != nil {
		m.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("persist trust transition failed")
	}
	m.recordAttempt(req, storage.PairingResultAccepted)

	m.log.Info().
		Str("device_id", req.DeviceID).
		Str("device_name", req.DeviceName).
		Msg("device paired")
	return Result{Accepted: true, DeviceID: req.DeviceID}
}

// Authenticate checks whether a device may attach without pairing. Only
// trusted devices attach; everything else needs a fresh code.
func (m *Manager) Authenticate(deviceID string) error {
	device, err := m.store.GetDevice(deviceID)
	if err != nil {
		return &Error{Reason: CodeInvalid, Message: "unknown device, pairing required"}
	}
	if device.TrustState != storage.TrustTrusted {
		return &Error{Reason: CodeInvalid, Message: "device is not trusted, pairing required"}
	}
	return nil
}

// Revoke reverts a device's trust to revoked. This is the only path by
// which a trusted device loses trust.
func (m *Manager) Revoke(deviceID string) error {
	if err := m.store.SetTrustState(deviceID, storage.TrustRevoked, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("revoke device %q: %w", deviceID, err)
	}
	m.log.Info().Str("device_id", deviceID).Msg("device trust revoked")
	return nil
}

// validateLocked returns the rejection reason, or "" when the submitted
// code is acceptable. Caller holds m.mu.
func (m *Manager) validateLocked(submitted string) string {
	if m.code == nil || submitted == "" || submitted != m.code.Value {
		return CodeInvalid
	}
	if m.code.consumed {
		return CodeAlreadyUsed
	}
	if m.now().After(m.code.ExpiresAt()) {
		return CodeExpired
	}
	return ""
}

func (m *Manager) recordAttempt(req Request, result string) {
	if req.DeviceID == "" {
		return
	}
	err := m.store.RecordPairingEvent(storage.PairingEvent{
		DeviceID:  req.DeviceID,
		Code:      strings.ToUpper(strings.TrimSpace(req.Code)),
		Result:    result,
		Timestamp: m.now().UnixMilli(),
	})
	if err != nil {
		m.log.Error().Err(err).Msg("record pairing event failed")
	}
}

func reasonToResult(reason string) string {
	switch reason {
	case CodeExpired:
		return storage.PairingResultCodeExpired
	case CodeAlreadyUsed:
		return storage.PairingResultCodeAlreadyUsed
	default:
		return storage.PairingResultCodeInvalid
	}
}

func reasonMessage(reason string) string {
	switch reason {
	case CodeExpired:
		return "pairing code has expired, request a new one"
	case CodeAlreadyUsed:
		return "pairing code has already been used"
	default:
		return "pairing code is not valid"
	}
}

func generateCode(length int) (string, error) {
	var builder strings.Builder
	builder.Grow(length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < length; i++ {
		index, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		builder.WriteByte(codeAlphabet[index.Int64()])
	}
	return builder.String(), nil
}
