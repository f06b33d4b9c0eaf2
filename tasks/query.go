package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// TaskDetail is a task with its current tally.
type TaskDetail struct {
	Task     *fwrollout.UpgradeTask `json:"task"`
	Progress fwrollout.Progress     `json:"progress"`

	// Derived is the status the records imply. It differs from Task.Status
	// only between a record change and the next scheduler tick.
	Derived fwrollout.TaskStatus `json:"derived_status"`
}

// GetTaskDetail returns a task with its progress. It works for tasks in any status.
func (s *Service) GetTaskDetail(ctx context.Context, taskID string) (*TaskDetail, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{
		Task:     task,
		Progress: fwrollout.Summarize(task, records),
		Derived:  fwrollout.DeriveStatus(task, records),
	}, nil
}

// GetTaskDevices lists a task's records in claim order, optionally only those
// in the given statuses.
func (s *Service) GetTaskDevices(ctx context.Context, taskID string, statuses ...fwrollout.DeviceStatus) ([]*fwrollout.DeviceUpgradeRecord, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return records, nil
	}
	want := make(map[fwrollout.DeviceStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := records[:0]
	for _, r := range records {
		if want[r.Status] {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetProgress returns the task's tally.
func (s *Service) GetProgress(ctx context.Context, taskID string) (fwrollout.Progress, error) {
	d, err := s.GetTaskDetail(ctx, taskID)
	if err != nil {
		return fwrollout.Progress{}, err
	}
	return d.Progress, nil
}

// DeriveStatus returns the status the task's records imply.
func (s *Service) DeriveStatus(ctx context.Context, taskID string) (fwrollout.TaskStatus, error) {
	d, err := s.GetTaskDetail(ctx, taskID)
	if err != nil {
		return "", err
	}
	return d.Derived, nil
}

// ListTasks lists tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, statuses ...fwrollout.TaskStatus) ([]*fwrollout.UpgradeTask, error) {
	return s.store.ListTasks(ctx, fwrollout.TaskFilter{Statuses: statuses})
}

// RetryOptions controls RetryFailedDevices.
type RetryOptions struct {
	// Force also requeues records that used up their retries. It resets
	// their attempt count to zero, so the record gets MaxRetries+1 fresh
	// attempts and the earlier count is not kept. Operators use it after
	// fixing the cause of a failure-threshold pause.
	Force bool
}

// RetryFailedDevices requeues a RUNNING or PAUSED task's FAILED records that
// still have retries left (or all of them with Force). It returns how many
// records went back to PENDING.
func (s *Service) RetryFailedDevices(ctx context.Context, taskID string, opts RetryOptions) (int, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.Status != fwrollout.TaskRunning && task.Status != fwrollout.TaskPaused {
		return 0, fmt.Errorf("%w: cannot retry devices of %s task", fwrollout.ErrIllegalTaskTransition, task.Status)
	}
	records, err := s.store.ListRecords(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return RequeueFailed(ctx, s.store, task, records, opts, s.now(), s.logger)
}

// RequeueFailed moves eligible FAILED records back to PENDING at the back of
// the claim queue. The scheduler calls it every tick; a record that lost a
// race with another worker is skipped.
func RequeueFailed(ctx context.Context, store fwrollout.Store, task *fwrollout.UpgradeTask,
	records []*fwrollout.DeviceUpgradeRecord, opts RetryOptions, now time.Time, logger logrus.FieldLogger) (int, error) {
	requeued := 0
	for _, r := range records {
		if r.Status != fwrollout.DeviceFailed {
			continue
		}
		exhausted := task.Exhausted(r.AttemptCount)
		if exhausted && !opts.Force {
			continue
		}

		u := fwrollout.RecordUpdate{
			TaskID:   task.ID,
			DeviceID: r.DeviceID,
			From:     fwrollout.DeviceFailed,
			To:       fwrollout.DevicePending,
			Requeue:  true,
			At:       now,
		}
		if exhausted {
			zero := 0
			u.Attempts = &zero
		}
		if err := store.TransitionRecord(ctx, u); err != nil {
			if errors.Is(err, fwrollout.ErrStaleWrite) {
				continue
			}
			return requeued, fmt.Errorf("failed to requeue device %s: %w", r.DeviceID, err)
		}
		requeued++

		logger.WithFields(logrus.Fields{
			"task_id":   task.ID,
			"device_id": r.DeviceID,
			"attempt":   r.AttemptCount,
			"forced":    exhausted,
		}).Info("device requeued for retry")
	}
	return requeued, nil
}
