package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts a transfer record in its initial state.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if record.Status == "" {
		record.Status = TransferPending
	}
	if !validTransferStatus(record.Status) {
		return fmt.Errorf("invalid transfer status %q", record.Status)
	}
	now := nowUnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (transfer_id, device_id, direction, file_name, file_size, bytes_acked, status, checksum, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.DeviceID,
		record.Direction,
		record.FileName,
		record.FileSize,
		record.BytesAcked,
		record.Status,
		record.Checksum,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// GetTransfer fetches a transfer by id.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, device_id, direction, file_name, file_size, bytes_acked, status, checksum, created_at, updated_at
		 FROM transfers WHERE transfer_id = ?`,
		transferID,
	)

	var record TransferRecord
	var checksum sql.NullString
	err := row.Scan(
		&record.TransferID,
		&record.DeviceID,
		&record.Direction,
		&record.FileName,
		&record.FileSize,
		&record.BytesAcked,
		&record.Status,
		&checksum,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	record.Checksum = checksum.String
	return record, nil
}

// UpdateTransferProgress advances acknowledged bytes. Progress never moves
// backwards; stale updates are ignored.
func (s *Store) UpdateTransferProgress(transferID string, bytesAcked int64) error {
	result, err := s.db.Exec(
		`UPDATE transfers SET bytes_acked = ?, updated_at = ?
		 WHERE transfer_id = ? AND bytes_acked <= ?`,
		bytesAcked, nowUnixMilli(), transferID, bytesAcked,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		if _, getErr := s.GetTransfer(transferID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateTransferStatus sets a transfer's status.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if !validTransferStatus(status) {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	result, err := s.db.Exec(
		`UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?`,
		status, nowUnixMilli(), transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
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

// ListTransfers returns transfer history for a device, newest first.
func (s *Store) ListTransfers(deviceID string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT transfer_id, device_id, direction, file_name, file_size, bytes_acked, status, checksum, created_at, updated_at
		 FROM transfers WHERE device_id = ?
		 ORDER BY updated_at DESC, transfer_id LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		var checksum sql.NullString
		if err := rows.Scan(
			&record.TransferID,
			&record.DeviceID,
			&record.Direction,
			&record.FileName,
			&record.FileSize,
			&record.BytesAcked,
			&record.Status,
			&checksum,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		record.Checksum = checksum.String
		records = append(records, record)
	}
	return records, rows.Err()
}
