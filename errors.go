package fwrollout

import (
	"errors"
	"fmt"
)

var (
	// ErrFirmwareNotFound is returned by registries for unknown firmware ids.
	ErrFirmwareNotFound = errors.New("firmware not found")

	// ErrFirmwareNotAvailable means the artifact exists but is disabled or deprecated.
	ErrFirmwareNotAvailable = errors.New("firmware not available")

	// ErrDeviceAlreadyBusy means a targeted device has outstanding work in an active task.
	ErrDeviceAlreadyBusy = errors.New("device already busy")

	// ErrIllegalTaskTransition is returned for task status changes outside the transition table.
	ErrIllegalTaskTransition = errors.New("illegal task transition")

	// ErrIllegalDeviceTransition is returned for record status changes outside the transition table.
	ErrIllegalDeviceTransition = errors.New("illegal device transition")

	ErrTaskNotFound   = errors.New("task not found")
	ErrRecordNotFound = errors.New("device record not found")
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidTask wraps every creation-time validation failure.
	ErrInvalidTask = errors.New("invalid task")

	// ErrRollbackNotSupported is returned when a rollback precondition fails.
	ErrRollbackNotSupported = errors.New("rollback not supported")

	// ErrInboxFull is returned when outcome reports arrive faster than ticks drain them.
	ErrInboxFull = errors.New("outcome inbox full")

	// ErrStaleWrite means a compare-and-swap lost: the row no longer had the expected status.
	ErrStaleWrite = errors.New("stale write")
)

// ValidationError describes a rejected CreateTask parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidTask) match every validation failure.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidTask
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// BusyError lists the devices that blocked task creation.
type BusyError struct {
	DeviceIDs []string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device already busy: %v", e.DeviceIDs)
}

func (e *BusyError) Unwrap() error {
	return ErrDeviceAlreadyBusy
}
