package memstore

import (
	"context"
	"fmt"
	"time"

	fwrollout "github.com/superfly/fwrollout"
)

func (s *Store) UpsertDevice(ctx context.Context, d *fwrollout.Device) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	c := *d
	if err := txn.Insert(tableDevices, &c); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*fwrollout.Device, error) {
	raw, err := s.db.Txn(false).First(tableDevices, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", fwrollout.ErrDeviceNotFound, id)
	}
	c := *raw.(*fwrollout.Device)
	return &c, nil
}

// ListDevices returns devices ordered by id; the id index iterates in order.
func (s *Store) ListDevices(ctx context.Context, filter fwrollout.DeviceFilter) ([]*fwrollout.Device, error) {
	it, err := s.db.Txn(false).Get(tableDevices, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	var devices []*fwrollout.Device
	for obj := it.Next(); obj != nil; obj = it.Next() {
		d := obj.(*fwrollout.Device)
		if filter.Type != "" && d.Type != filter.Type {
			continue
		}
		if filter.Area != "" && d.Area != filter.Area {
			continue
		}
		c := *d
		devices = append(devices, &c)
	}
	return devices, nil
}

func (s *Store) SetDeviceFirmware(ctx context.Context, id, version string, at time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableDevices, "id", id)
	if err != nil {
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", fwrollout.ErrDeviceNotFound, id)
	}
	c := *raw.(*fwrollout.Device)
	c.FirmwareVersion = version
	c.LastSeenAt = at
	if err := txn.Insert(tableDevices, &c); err != nil {
		return fmt.Errorf("failed to set device firmware: %w", err)
	}
	txn.Commit()
	return nil
}
