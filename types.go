package fwrollout

import (
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
)

// TaskStatus is the lifecycle state of an UpgradeTask.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskPaused    TaskStatus = "PAUSED"
	TaskStopped   TaskStatus = "STOPPED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStopped || s == TaskCompleted || s == TaskFailed
}

// DeviceStatus is the lifecycle state of a DeviceUpgradeRecord.
type DeviceStatus string

const (
	DevicePending     DeviceStatus = "PENDING"
	DeviceDownloading DeviceStatus = "DOWNLOADING"
	DeviceInstalling  DeviceStatus = "INSTALLING"
	DeviceSuccess     DeviceStatus = "SUCCESS"
	DeviceFailed      DeviceStatus = "FAILED"
	DeviceRolledBack  DeviceStatus = "ROLLED_BACK"
)

// IsActive reports whether the record still has work outstanding
// (PENDING, DOWNLOADING or INSTALLING).
func (s DeviceStatus) IsActive() bool {
	return s == DevicePending || s.InFlight()
}

// InFlight reports whether the record has been dispatched and is awaiting an outcome.
func (s DeviceStatus) InFlight() bool {
	return s == DeviceDownloading || s == DeviceInstalling
}

// IsTerminal reports whether the record reached an end state for its current attempt.
func (s DeviceStatus) IsTerminal() bool {
	return s == DeviceSuccess || s == DeviceFailed || s == DeviceRolledBack
}

// Strategy controls how a task's devices are batched.
type Strategy string

const (
	StrategyAllAtOnce Strategy = "ALL_AT_ONCE"
	StrategyBatch     Strategy = "BATCH"
	StrategyCanary    Strategy = "CANARY"
)

// ParseStrategy accepts any casing or separator style ("all-at-once", "allAtOnce", "BATCH").
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strcase.ToScreamingSnake(strings.TrimSpace(s))) {
	case StrategyAllAtOnce:
		return StrategyAllAtOnce, nil
	case StrategyBatch:
		return StrategyBatch, nil
	case StrategyCanary:
		return StrategyCanary, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// ParseTaskStatus accepts any casing or separator style.
func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strcase.ToScreamingSnake(strings.TrimSpace(s)))
	switch st {
	case TaskCreated, TaskRunning, TaskPaused, TaskStopped, TaskCompleted, TaskFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// ArtifactStatus is the release state of a firmware artifact.
type ArtifactStatus string

const (
	ArtifactTesting    ArtifactStatus = "TESTING"
	ArtifactReleased   ArtifactStatus = "RELEASED"
	ArtifactDeprecated ArtifactStatus = "DEPRECATED"
)

// FirmwareArtifact is a firmware binary registered in the firmware registry.
// It is read-only to the orchestrator.
type FirmwareArtifact struct {
	ID          string         `json:"id"`
	Version     string         `json:"version"`
	DeviceType  string         `json:"device_type"`
	DeviceModel string         `json:"device_model"`
	MinVersion  string         `json:"min_version,omitempty"`
	MaxVersion  string         `json:"max_version,omitempty"`
	IsForce     bool           `json:"is_force"`
	Checksum    string         `json:"checksum"`
	URL         string         `json:"url,omitempty"`
	Status      ArtifactStatus `json:"status"`
	Enabled     bool           `json:"enabled"`
}

// Available reports whether the artifact may be targeted by a new task.
func (a *FirmwareArtifact) Available() bool {
	return a != nil && a.Enabled && a.Status != ArtifactDeprecated
}

// DeviceSelector names the devices a task targets. Either DeviceIDs is set,
// or the DeviceType/Area filter is resolved once at creation time.
type DeviceSelector struct {
	DeviceIDs  []string `json:"device_ids,omitempty"`
	DeviceType string   `json:"device_type,omitempty"`
	Area       string   `json:"area,omitempty"`
}

// IsExplicit reports whether the selector lists device ids directly.
func (s DeviceSelector) IsExplicit() bool {
	return len(s.DeviceIDs) > 0
}

// UpgradeTask is the aggregate configuration of one rollout.
type UpgradeTask struct {
	ID                      string         `json:"id"`
	FirmwareID              string         `json:"firmware_id"`
	Selector                DeviceSelector `json:"selector"`
	Strategy                Strategy       `json:"strategy"`
	BatchSize               int            `json:"batch_size"`
	CanarySize              int            `json:"canary_size,omitempty"`
	BatchIntervalSeconds    int            `json:"batch_interval_seconds"`
	MaxRetries              int            `json:"max_retries"`
	FailureThresholdPercent int            `json:"failure_threshold_percent"`
	Status                  TaskStatus     `json:"status"`
	NeedsAttention          bool           `json:"needs_attention"`
	AttentionReason         string         `json:"attention_reason,omitempty"`
	RollbackOfTaskID        string         `json:"rollback_of_task_id,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	StartedAt               *time.Time     `json:"started_at,omitempty"`
	CompletedAt             *time.Time     `json:"completed_at,omitempty"`
	LastDispatchAt          *time.Time     `json:"last_dispatch_at,omitempty"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// IsRollback reports whether the task was derived by the rollback planner.
func (t *UpgradeTask) IsRollback() bool {
	return t.RollbackOfTaskID != ""
}

// BatchInterval returns the minimum delay between batches.
func (t *UpgradeTask) BatchInterval() time.Duration {
	return time.Duration(t.BatchIntervalSeconds) * time.Second
}

// Exhausted reports whether a record with the given attempt count has used up
// the task's retries. maxRetries counts retries after the first attempt.
func (t *UpgradeTask) Exhausted(attemptCount int) bool {
	return attemptCount > t.MaxRetries
}

// DeviceUpgradeRecord tracks one device's progress inside one task.
type DeviceUpgradeRecord struct {
	TaskID   string       `json:"task_id"`
	DeviceID string       `json:"device_id"`
	Status   DeviceStatus `json:"status"`

	// TargetFirmwareID overrides the task firmware for this record. Only
	// rollback tasks set it, since each device returns to its own baseline.
	TargetFirmwareID string `json:"target_firmware_id,omitempty"`

	AttemptCount            int        `json:"attempt_count"`
	ProgressPercent         int        `json:"progress_percent"`
	LastError               string     `json:"last_error,omitempty"`
	PreviousFirmwareVersion string     `json:"previous_firmware_version,omitempty"`
	QueueSeq                int64      `json:"queue_seq"`
	DispatchedAt            *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// FirmwareFor returns the firmware id this record installs.
func (r *DeviceUpgradeRecord) FirmwareFor(task *UpgradeTask) string {
	if r.TargetFirmwareID != "" {
		return r.TargetFirmwareID
	}
	return task.FirmwareID
}

// Device is the orchestrator's view of a fleet device.
type Device struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Model           string    `json:"model"`
	Area            string    `json:"area"`
	FirmwareVersion string    `json:"firmware_version"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Failure reasons recorded in DeviceUpgradeRecord.LastError by the orchestrator itself.
const (
	ReasonTimeout      = "TIMEOUT"
	ReasonIncompatible = "INCOMPATIBLE_VERSION"
	ReasonDispatch     = "DISPATCH_REJECTED"
)
