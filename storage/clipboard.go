package storage

import (
	"errors"
	"fmt"
	"time"
)

// AddClipboardEntry appends one clipboard snapshot. Entries are only ever
// superseded by newer rows; PruneClipboardHistory handles retention.
func (s *Store) AddClipboardEntry(entry ClipboardEntry) error {
	if entry.OriginDeviceID == "" {
		return errors.New("origin_device_id is required")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = nowUnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO clipboard_history (content, origin_device_id, timestamp) VALUES (?, ?, ?)`,
		entry.Content, entry.OriginDeviceID, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert clipboard entry: %w", err)
	}
	return nil
}

// RecentClipboardEntries returns the newest entries first.
func (s *Store) RecentClipboardEntries(limit int) ([]ClipboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, content, origin_device_id, timestamp
		 FROM clipboard_history ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list clipboard entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []ClipboardEntry
	for rows.Next() {
		var entry ClipboardEntry
		if err := rows.Scan(&entry.ID, &entry.Content, &entry.OriginDeviceID, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan clipboard row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneClipboardHistory removes entries older than the retention window.
func (s *Store) PruneClipboardHistory(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultClipboardRetention
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM clipboard_history WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune clipboard history: %w", err)
	}
	return result.RowsAffected()
}
