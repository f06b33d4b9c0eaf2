package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	fwrollout "github.com/superfly/fwrollout"
)

const deviceColumns = `id, type, model, area, firmware_version, last_seen_at`

func scanDevice(s rowScanner) (*fwrollout.Device, error) {
	var (
		dev      fwrollout.Device
		lastSeen int64
	)
	if err := s.Scan(&dev.ID, &dev.Type, &dev.Model, &dev.Area, &dev.FirmwareVersion, &lastSeen); err != nil {
		return nil, err
	}
	if lastSeen > 0 {
		dev.LastSeenAt = fromMillis(lastSeen)
	}
	return &dev, nil
}

// UpsertDevice inserts or replaces an inventory entry.
func (d *DB) UpsertDevice(ctx context.Context, dev *fwrollout.Device) error {
	var lastSeen int64
	if !dev.LastSeenAt.IsZero() {
		lastSeen = toMillis(dev.LastSeenAt)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			model = excluded.model,
			area = excluded.area,
			firmware_version = excluded.firmware_version,
			last_seen_at = excluded.last_seen_at`,
		dev.ID, dev.Type, dev.Model, dev.Area, dev.FirmwareVersion, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by id.
func (d *DB) GetDevice(ctx context.Context, id string) (*fwrollout.Device, error) {
	dev, err := scanDevice(d.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", fwrollout.ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return dev, nil
}

// ListDevices lists devices ordered by id. Empty filter fields match anything.
func (d *DB) ListDevices(ctx context.Context, filter fwrollout.DeviceFilter) ([]*fwrollout.Device, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE (? = '' OR type = ?) AND (? = '' OR area = ?)
		ORDER BY id`,
		filter.Type, filter.Type, filter.Area, filter.Area)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*fwrollout.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// SetDeviceFirmware records the firmware version a device now runs.
func (d *DB) SetDeviceFirmware(ctx context.Context, id, version string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE devices SET firmware_version = ?, last_seen_at = ? WHERE id = ?`,
		version, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to set device firmware: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", fwrollout.ErrDeviceNotFound, id)
	}
	return nil
}
