package fwrollout

import (
	"context"
	"time"
)

// FirmwareRegistry resolves firmware artifacts. It is owned by another
// subsystem; the orchestrator only reads from it.
type FirmwareRegistry interface {
	// Resolve returns ErrFirmwareNotFound for unknown ids.
	Resolve(ctx context.Context, firmwareID string) (*FirmwareArtifact, error)

	// ResolveVersion finds the artifact of a given version for a device
	// type and model. Rollback uses it to locate each device's baseline.
	ResolveVersion(ctx context.Context, deviceType, deviceModel, version string) (*FirmwareArtifact, error)

	// CheckCompatibility reports whether a device currently running
	// currentVersion may install the artifact.
	CheckCompatibility(ctx context.Context, firmwareID, currentVersion string) (bool, error)

	GetChecksum(ctx context.Context, firmwareID string) (string, error)
}

// ArtifactRef is what a device needs to fetch and verify a firmware image.
type ArtifactRef struct {
	TaskID     string `json:"task_id"`
	FirmwareID string `json:"firmware_id"`
	Version    string `json:"version"`
	Checksum   string `json:"checksum"`
	URL        string `json:"url,omitempty"`
}

// DeviceChannel pushes upgrade commands to devices. SendUpgradeCommand
// returns once the command is queued; the install outcome arrives later as
// an Outcome.
type DeviceChannel interface {
	SendUpgradeCommand(ctx context.Context, deviceID string, ref ArtifactRef) error
}

// Outcome is a device-reported progress or result for one record.
type Outcome struct {
	TaskID          string       `json:"task_id"`
	DeviceID        string       `json:"device_id"`
	Status          DeviceStatus `json:"status"`
	ProgressPercent int          `json:"progress_percent"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ReceivedAt      time.Time    `json:"received_at"`
}

// OutcomeSink accepts outcome reports. The scheduler inbox implements it.
type OutcomeSink interface {
	ReportOutcome(ctx context.Context, o Outcome) error
}
