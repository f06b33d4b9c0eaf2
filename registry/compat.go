// Package registry provides FirmwareRegistry implementations.
//
// Two backends share the same compatibility and lookup rules:
//   - Bolt: a local bbolt file, writable from the CLI (firmware add).
//   - S3: read-only JSON manifests under a bucket prefix, one object per artifact.
//
// # Compatibility
//
// An artifact may declare inclusive MinVersion/MaxVersion bounds on the
// firmware a device must currently run. Versions are compared as semver.
// IsForce artifacts skip the bounds check entirely. A device whose current
// version is unknown or unparsable is only compatible with unbounded artifacts.
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	fwrollout "github.com/superfly/fwrollout"
)

// Compatible reports whether a device running current may install a.
func Compatible(a *fwrollout.FirmwareArtifact, current string) (bool, error) {
	if a.IsForce || (a.MinVersion == "" && a.MaxVersion == "") {
		return true, nil
	}

	cur, err := semver.NewVersion(strings.TrimSpace(current))
	if err != nil {
		return false, nil
	}

	if a.MinVersion != "" {
		lo, err := semver.NewVersion(a.MinVersion)
		if err != nil {
			return false, fmt.Errorf("artifact %s has invalid min_version %q: %w", a.ID, a.MinVersion, err)
		}
		if cur.LessThan(lo) {
			return false, nil
		}
	}
	if a.MaxVersion != "" {
		hi, err := semver.NewVersion(a.MaxVersion)
		if err != nil {
			return false, fmt.Errorf("artifact %s has invalid max_version %q: %w", a.ID, a.MaxVersion, err)
		}
		if cur.GreaterThan(hi) {
			return false, nil
		}
	}
	return true, nil
}

// SameVersion compares two version strings as semver, falling back to exact
// string equality when either side does not parse.
func SameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return va.Equal(vb)
}

// ValidateArtifact checks the fields a registry needs before storing an artifact.
func ValidateArtifact(a *fwrollout.FirmwareArtifact) error {
	if a.ID == "" {
		return fmt.Errorf("artifact id is required")
	}
	if _, err := semver.NewVersion(a.Version); err != nil {
		return fmt.Errorf("artifact %s: invalid version %q: %w", a.ID, a.Version, err)
	}
	if a.DeviceType == "" {
		return fmt.Errorf("artifact %s: device_type is required", a.ID)
	}
	for _, b := range []string{a.MinVersion, a.MaxVersion} {
		if b == "" {
			continue
		}
		if _, err := semver.NewVersion(b); err != nil {
			return fmt.Errorf("artifact %s: invalid bound %q: %w", a.ID, b, err)
		}
	}
	switch a.Status {
	case fwrollout.ArtifactTesting, fwrollout.ArtifactReleased, fwrollout.ArtifactDeprecated:
	default:
		return fmt.Errorf("artifact %s: unknown status %q", a.ID, a.Status)
	}
	return nil
}

// catalog is the storage half of a registry.
type catalog interface {
	get(ctx context.Context, id string) (*fwrollout.FirmwareArtifact, error)
	list(ctx context.Context) ([]*fwrollout.FirmwareArtifact, error)
}

// resolveVersion finds the artifact of the given version for a device type and
// model. Artifacts without a model match any model. Available artifacts are
// preferred; ties go to the lowest id.
func resolveVersion(ctx context.Context, c catalog, deviceType, deviceModel, version string) (*fwrollout.FirmwareArtifact, error) {
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*fwrollout.FirmwareArtifact
	for _, a := range all {
		if a.DeviceType != deviceType {
			continue
		}
		if a.DeviceModel != "" && deviceModel != "" && a.DeviceModel != deviceModel {
			continue
		}
		if !SameVersion(a.Version, version) {
			continue
		}
		matches = append(matches, a)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s %s version %s", fwrollout.ErrFirmwareNotFound, deviceType, deviceModel, version)
	}

	slices.SortFunc(matches, func(a, b *fwrollout.FirmwareArtifact) int {
		if a.Available() != b.Available() {
			if a.Available() {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return matches[0], nil
}

func checkCompatibility(ctx context.Context, c catalog, firmwareID, currentVersion string) (bool, error) {
	a, err := c.get(ctx, firmwareID)
	if err != nil {
		return false, err
	}
	return Compatible(a, currentVersion)
}

func checksum(ctx context.Context, c catalog, firmwareID string) (string, error) {
	a, err := c.get(ctx, firmwareID)
	if err != nil {
		return "", err
	}
	return a.Checksum, nil
}
