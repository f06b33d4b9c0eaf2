package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	fwrollout "github.com/superfly/fwrollout"
)

var artifactsBucket = []byte("artifacts")

// Bolt is a FirmwareRegistry stored in a local bbolt file.
type Bolt struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

// OpenBolt opens (creating if needed) a registry file.
func OpenBolt(path string, logger logrus.FieldLogger) (*Bolt, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifacts bucket: %w", err)
	}
	return &Bolt{db: db, logger: logger.WithField("component", "registry")}, nil
}

// Close closes the underlying file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Put validates and stores an artifact, replacing any artifact with the same id.
func (b *Bolt) Put(ctx context.Context, a *fwrollout.FirmwareArtifact) error {
	if err := ValidateArtifact(a); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(a.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact %s: %w", a.ID, err)
	}
	b.logger.WithFields(logrus.Fields{
		"firmware_id": a.ID,
		"version":     a.Version,
		"status":      a.Status,
	}).Info("firmware artifact registered")
	return nil
}

// SetEnabled toggles whether an artifact can be targeted by new tasks.
func (b *Bolt) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(artifactsBucket)
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", fwrollout.ErrFirmwareNotFound, id)
		}
		var a fwrollout.FirmwareArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("failed to decode artifact %s: %w", id, err)
		}
		a.Enabled = enabled
		data, err := json.Marshal(&a)
		if err != nil {
			return fmt.Errorf("failed to encode artifact: %w", err)
		}
		return bkt.Put([]byte(id), data)
	})
}

// List returns every artifact ordered by id.
func (b *Bolt) List(ctx context.Context) ([]*fwrollout.FirmwareArtifact, error) {
	return b.list(ctx)
}

func (b *Bolt) get(ctx context.Context, id string) (*fwrollout.FirmwareArtifact, error) {
	var a *fwrollout.FirmwareArtifact
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(artifactsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", fwrollout.ErrFirmwareNotFound, id)
		}
		a = &fwrollout.FirmwareArtifact{}
		// raw is only valid inside the transaction; Unmarshal copies.
		return json.Unmarshal(raw, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (b *Bolt) list(ctx context.Context) ([]*fwrollout.FirmwareArtifact, error) {
	var out []*fwrollout.FirmwareArtifact
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).ForEach(func(k, v []byte) error {
			var a fwrollout.FirmwareArtifact
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to decode artifact %s: %w", k, err)
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Resolve(ctx context.Context, firmwareID string) (*fwrollout.FirmwareArtifact, error) {
	return b.get(ctx, firmwareID)
}

func (b *Bolt) ResolveVersion(ctx context.Context, deviceType, deviceModel, version string) (*fwrollout.FirmwareArtifact, error) {
	return resolveVersion(ctx, b, deviceType, deviceModel, version)
}

func (b *Bolt) CheckCompatibility(ctx context.Context, firmwareID, currentVersion string) (bool, error) {
	return checkCompatibility(ctx, b, firmwareID, currentVersion)
}

func (b *Bolt) GetChecksum(ctx context.Context, firmwareID string) (string, error) {
	return checksum(ctx, b, firmwareID)
}

var _ fwrollout.FirmwareRegistry = (*Bolt)(nil)
