package fwrollout

import "fmt"

// taskTransitions is the single table of legal task status changes. Operator
// actions and scheduler decisions are both validated against it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated: {TaskRunning},
	TaskRunning: {TaskPaused, TaskStopped, TaskCompleted, TaskFailed},
	TaskPaused:  {TaskRunning, TaskStopped},
}

// deviceTransitions is the single table of legal record status changes.
var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DevicePending:     {DeviceDownloading},
	DeviceDownloading: {DeviceInstalling, DeviceSuccess, DeviceFailed},
	DeviceInstalling:  {DeviceSuccess, DeviceFailed},
	DeviceFailed:      {DevicePending},
	DeviceSuccess:     {DeviceRolledBack},
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTaskTransition returns ErrIllegalTaskTransition when from->to is not allowed.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !CanTransitionTask(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTaskTransition, from, to)
	}
	return nil
}

// CanTransitionDevice reports whether a record may move from one status to another.
func CanTransitionDevice(from, to DeviceStatus) bool {
	for _, s := range deviceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateDeviceTransition returns ErrIllegalDeviceTransition when from->to is not allowed.
func ValidateDeviceTransition(from, to DeviceStatus) error {
	if !CanTransitionDevice(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalDeviceTransition, from, to)
	}
	return nil
}
