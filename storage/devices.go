package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertDevice inserts or replaces a trust record by uuid. An existing row
// keeps its created_at; updated_at is always refreshed.
func (s *Store) UpsertDevice(device Device) error {
	if device.UUID == "" {
		return errors.New("uuid is required")
	}
	if device.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if device.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if device.Status == "" {
		device.Status = DeviceStatusPending
	}
	if err := validateDeviceStatus(device.Status); err != nil {
		return err
	}

	now := nowUnixMilli()
	if device.CreatedAt == 0 {
		device.CreatedAt = now
	}

	needsReverify := 0
	if device.NeedsReverify {
		needsReverify = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			uuid,
			display_name,
			public_key,
			shared_secret,
			status,
			needs_reverify,
			last_ip,
			last_port,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			shared_secret = excluded.shared_secret,
			status = excluded.status,
			needs_reverify = excluded.needs_reverify,
			last_ip = excluded.last_ip,
			last_port = excluded.last_port,
			updated_at = excluded.updated_at`,
		device.UUID,
		device.DisplayName,
		device.PublicKey,
		device.SharedSecret,
		device.Status,
		needsReverify,
		nullString(device.LastIP),
		nullIntValue(device.LastPort),
		device.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.UUID, err)
	}

	return nil
}

// GetDevice fetches a trust record by uuid.
func (s *Store) GetDevice(uuid string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT
			uuid,
			display_name,
			public_key,
			shared_secret,
			status,
			needs_reverify,
			last_ip,
			last_port,
			created_at,
			updated_at
		FROM devices
		WHERE uuid = ?`,
		uuid,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", uuid, err)
	}

	return device, nil
}

// ListDevices returns all trust records sorted by display name.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT
			uuid,
			display_name,
			public_key,
			shared_secret,
			status,
			needs_reverify,
			last_ip,
			last_port,
			created_at,
			updated_at
		FROM devices
		ORDER BY display_name, uuid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// DeleteDevice removes all trust state for a uuid. A later handshake with the
// same uuid starts fresh.
func (s *Store) DeleteDevice(uuid string) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}

	res, err := s.db.Exec(`DELETE FROM devices WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete device %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetDeviceStatus updates the trust status for one device.
func (s *Store) SetDeviceStatus(uuid, status string) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}
	if err := validateDeviceStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET status = ?,
		    updated_at = ?
		WHERE uuid = ?`,
		status,
		nowUnixMilli(),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("set device status %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for set device status %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetDeviceNeedsReverify flags or clears the re-verification marker set when
// a trusted uuid presents an unexpected public key.
func (s *Store) SetDeviceNeedsReverify(uuid string, needsReverify bool) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}

	value := 0
	if needsReverify {
		value = 1
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET needs_reverify = ?,
		    updated_at = ?
		WHERE uuid = ?`,
		value,
		nowUnixMilli(),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("set device needs_reverify %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for needs_reverify %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateDeviceEndpoint refreshes the last known address and display name
// after a successful reconnect.
func (s *Store) UpdateDeviceEndpoint(uuid, displayName, ip string, port int) error {
	if uuid == "" {
		return errors.New("uuid is required")
	}
	if ip == "" || port <= 0 {
		return errors.New("endpoint is required")
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
		    last_ip = ?,
		    last_port = ?,
		    updated_at = ?
		WHERE uuid = ?`,
		displayName,
		displayName,
		ip,
		port,
		nowUnixMilli(),
		uuid,
	)
	if err != nil {
		return fmt.Errorf("update device endpoint %q: %w", uuid, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update device endpoint %q: %w", uuid, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		device        Device
		needsReverify int
		lastIP        sql.NullString
		lastPort      sql.NullInt64
	)

	if err := row.Scan(
		&device.UUID,
		&device.DisplayName,
		&device.PublicKey,
		&device.SharedSecret,
		&device.Status,
		&needsReverify,
		&lastIP,
		&lastPort,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return nil, err
	}

	device.NeedsReverify = needsReverify == 1
	if lastIP.Valid {
		value := lastIP.String
		device.LastIP = &value
	}
	if lastPort.Valid {
		value := int(lastPort.Int64)
		device.LastPort = &value
	}

	return &device, nil
}
