package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertDevice inserts or updates a device row. Trust state is only written
// on insert; existing rows keep their trust state (use SetTrustState).
func (s *Store) UpsertDevice(device Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if device.DeviceType == "" {
		device.DeviceType = "unknown"
	}
	if device.TrustState == "" {
		device.TrustState = TrustUnknown
	}
	if !validTrustState(device.TrustState) {
		return fmt.Errorf("invalid trust state %q", device.TrustState)
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (device_id, device_name, device_type, trust_state, paired_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   device_name = excluded.device_name,
		   device_type = excluded.device_type,
		   last_seen   = COALESCE(excluded.last_seen, devices.last_seen)`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.TrustState,
		nullInt64(device.PairedAt),
		nullInt64(device.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}
	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(deviceID string) (Device, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, device_type, trust_state, paired_at, last_seen
		 FROM devices WHERE device_id = ?`,
		deviceID,
	)

	var device Device
	var pairedAt, lastSeen sql.NullInt64
	err := row.Scan(&device.DeviceID, &device.DeviceName, &device.DeviceType, &device.TrustState, &pairedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device %q: %w", deviceID, err)
	}
	if pairedAt.Valid {
		device.PairedAt = &pairedAt.Int64
	}
	if lastSeen.Valid {
		device.LastSeen = &lastSeen.Int64
	}
	return device, nil
}

// ListDevices returns all known devices ordered by name.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, device_type, trust_state, paired_at, last_seen
		 FROM devices ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var devices []Device
	for rows.Next() {
		var device Device
		var pairedAt, lastSeen sql.NullInt64
		if err := rows.Scan(&device.DeviceID, &device.DeviceName, &device.DeviceType, &device.TrustState, &pairedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		if pairedAt.Valid {
			device.PairedAt = &pairedAt.Int64
		}
		if lastSeen.Valid {
			device.LastSeen = &lastSeen.Int64
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SetTrustState updates a device's trust state. PairedAt is stamped when the
// device becomes trusted.
func (s *Store) SetTrustState(deviceID, state string, timestamp int64) error {
	if !validTrustState(state) {
		return fmt.Errorf("invalid trust state %q", state)
	}
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}

	var result sql.Result
	var err error
	if state == TrustTrusted {
		result, err = s.db.Exec(
			`UPDATE devices SET trust_state = ?, paired_at = ? WHERE device_id = ?`,
			state, timestamp, deviceID,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE devices SET trust_state = ? WHERE device_id = ?`,
			state, deviceID,
		)
	}
	if err != nil {
		return fmt.Errorf("set trust state for %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchDeviceSeen updates the last-seen timestamp for a device.
func (s *Store) TouchDeviceSeen(deviceID string, timestamp int64) error {
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}
	_, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE device_id = ?`, timestamp, deviceID)
	if err != nil {
		return fmt.Errorf("touch device %q: %w", deviceID, err)
	}
	return nil
}

// RecordPairingEvent appends one pairing attempt outcome.
func (s *Store) RecordPairingEvent(event PairingEvent) error {
	if event.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO pairing_events (device_id, code, result, timestamp) VALUES (?, ?, ?, ?)`,
		event.DeviceID, event.Code, event.Result, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record pairing event for %q: %w", event.DeviceID, err)
	}
	return nil
}

// ListPairingEvents returns pairing history for a device, newest first.
func (s *Store) ListPairingEvents(deviceID string, limit int) ([]PairingEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, device_id, code, result, timestamp
		 FROM pairing_events WHERE device_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []PairingEvent
	for rows.Next() {
		var event PairingEvent
		if err := rows.Scan(&event.ID, &event.DeviceID, &event.Code, &event.Result, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
