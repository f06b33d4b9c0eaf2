package fwrollout

import (
	"context"
	"time"
)

// ClaimRequest bounds one atomic claim of PENDING records.
type ClaimRequest struct {
	TaskID string

	// Limit is the most records this call may claim.
	Limit int

	// BatchSize caps the task's DOWNLOADING+INSTALLING records after the claim.
	BatchSize int

	// GlobalMax caps in-flight records across every task. Zero disables the cap.
	GlobalMax int

	At time.Time
}

// RecordUpdate is a compare-and-swap on a record's status. The write only
// applies while the stored status still equals From.
type RecordUpdate struct {
	TaskID   string
	DeviceID string
	From     DeviceStatus
	To       DeviceStatus

	ProgressPercent   *int
	LastError         *string
	IncrementAttempts bool

	// Attempts overwrites the attempt count; used to mark a failure as not retryable.
	Attempts *int

	// Requeue moves the record to the back of the claim queue.
	Requeue bool

	At time.Time
}

// TaskUpdate is a compare-and-swap on a task's status.
type TaskUpdate struct {
	ID   string
	From TaskStatus
	To   TaskStatus
	At   time.Time

	// Attention, when non-nil, sets NeedsAttention to (*Attention != "")
	// and AttentionReason to *Attention.
	Attention *string
}

// TaskFilter restricts ListTasks. An empty filter lists every task.
type TaskFilter struct {
	Statuses []TaskStatus
}

// DeviceFilter restricts ListDevices.
type DeviceFilter struct {
	Type string
	Area string
}

// Store is the persisted state of tasks, device records and the device
// inventory. Implementations must make ClaimRecords, TransitionRecord and
// UpdateTask atomic per row so that several scheduler workers, possibly in
// different processes, can share one store.
type Store interface {
	// InsertTask stores a task with its frozen record set. It fails with a
	// *BusyError if any device has an active record in a RUNNING or PAUSED task.
	InsertTask(ctx context.Context, task *UpgradeTask, records []*DeviceUpgradeRecord) error
	GetTask(ctx context.Context, id string) (*UpgradeTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*UpgradeTask, error)
	UpdateTask(ctx context.Context, u TaskUpdate) error
	MarkDispatched(ctx context.Context, taskID string, at time.Time) error
	DeleteTask(ctx context.Context, id string) error

	ListRecords(ctx context.Context, taskID string) ([]*DeviceUpgradeRecord, error)
	GetRecord(ctx context.Context, taskID, deviceID string) (*DeviceUpgradeRecord, error)
	ClaimRecords(ctx context.Context, req ClaimRequest) ([]*DeviceUpgradeRecord, error)
	TransitionRecord(ctx context.Context, u RecordUpdate) error
	SetPreviousVersion(ctx context.Context, taskID, deviceID, version string) error
	ListStaleInFlight(ctx context.Context, dispatchedBefore time.Time) ([]*DeviceUpgradeRecord, error)
	CountInFlight(ctx context.Context) (int, error)

	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, filter DeviceFilter) ([]*Device, error)
	SetDeviceFirmware(ctx context.Context, id, version string, at time.Time) error

	Close() error
}
