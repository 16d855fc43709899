package storage

import (
	"errors"
	"fmt"
)

// InsertNotification inserts one record unless its key already exists, then
// trims the origin device's history to maxPerDevice by evicting the oldest
// records by time. Returns whether the record was newly added.
func (s *Store) InsertNotification(record Notification, maxPerDevice int) (bool, error) {
	if record.Key == "" {
		return false, errors.New("key is required")
	}
	if record.Device == "" {
		return false, errors.New("device is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin notification insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`INSERT INTO notifications (key, package_name, app_name, title, text, time, device)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		record.Key,
		record.PackageName,
		record.AppName,
		record.Title,
		record.Text,
		record.Time,
		record.Device,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification %q: %w", record.Key, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for notification %q: %w", record.Key, err)
	}
	inserted := rowsAffected > 0

	if inserted && maxPerDevice > 0 {
		if _, err := tx.Exec(
			`DELETE FROM notifications
			WHERE device = ?
			  AND key NOT IN (
				SELECT key FROM notifications
				WHERE device = ?
				ORDER BY time DESC, key DESC
				LIMIT ?
			)`,
			record.Device,
			record.Device,
			maxPerDevice,
		); err != nil {
			return false, fmt.Errorf("trim notifications for device %q: %w", record.Device, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit notification insert: %w", err)
	}

	return inserted, nil
}

// ApplyNotificationBatch inserts a coalesced batch of records in one
// transaction, trimming each touched device label to maxPerDevice.
func (s *Store) ApplyNotificationBatch(records []Notification, maxPerDevice int) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin notification batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	touched := make(map[string]struct{})
	for _, record := range records {
		if record.Key == "" || record.Device == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO notifications (key, package_name, app_name, title, text, time, device)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING`,
			record.Key,
			record.PackageName,
			record.AppName,
			record.Title,
			record.Text,
			record.Time,
			record.Device,
		); err != nil {
			return fmt.Errorf("insert notification %q: %w", record.Key, err)
		}
		touched[record.Device] = struct{}{}
	}

	if maxPerDevice > 0 {
		for device := range touched {
			if _, err := tx.Exec(
				`DELETE FROM notifications
				WHERE device = ?
				  AND key NOT IN (
					SELECT key FROM notifications
					WHERE device = ?
					ORDER BY time DESC, key DESC
					LIMIT ?
				)`,
				device,
				device,
				maxPerDevice,
			); err != nil {
				return fmt.Errorf("trim notifications for device %q: %w", device, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification batch: %w", err)
	}

	return nil
}

// HasNotification reports whether a dedup key is already present.
func (s *Store) HasNotification(key string) (bool, error) {
	if key == "" {
		return false, errors.New("key is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE key = ?)`,
		key,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check notification %q: %w", key, err)
	}

	return exists == 1, nil
}

// ListNotifications returns merged history newest-first. A zero limit means
// no limit.
func (s *Store) ListNotifications(limit int) ([]Notification, error) {
	query := `SELECT key, package_name, app_name, title, text, time, device
		FROM notifications
		ORDER BY time DESC, key DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	records := make([]Notification, 0)
	for rows.Next() {
		var record Notification
		if err := rows.Scan(
			&record.Key,
			&record.PackageName,
			&record.AppName,
			&record.Title,
			&record.Text,
			&record.Time,
			&record.Device,
		); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}

	return records, nil
}

// CountNotificationsForDevice returns the history size for one origin label.
func (s *Store) CountNotificationsForDevice(device string) (int, error) {
	if device == "" {
		return 0, errors.New("device is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notifications WHERE device = ?`,
		device,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications for device %q: %w", device, err)
	}

	return count, nil
}
