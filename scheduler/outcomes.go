package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/perf"
	"github.com/superfly/fwrollout/safeguards"
)

// ReasonInstallFailed is recorded when a device reports FAILED without a message.
const ReasonInstallFailed = "INSTALL_FAILED"

// applyOutcomes drains the inbox and applies reports in receipt order.
// Reports that do not match the record's current state are ignored, which
// makes replaying a report a no-op. A report received before the record's
// current dispatch is dropped so a retried device cannot be failed twice by
// one attempt. Reports are applied whatever the task status, so devices
// still in flight when a task is paused or stopped are recorded.
func (s *Scheduler) applyOutcomes(ctx context.Context, budget *safeguards.DispatchBudget) error {
	outcomes := append(s.takeBacklog(), s.inbox.Drain(s.maxOutcomesPerTick)...)
	if len(outcomes) == 0 {
		return nil
	}

	tm := perf.MetricsFromContext(ctx)
	taskCache := make(map[string]*fwrollout.UpgradeTask)
	for i, o := range outcomes {
		applied, err := s.applyOutcome(ctx, budget, taskCache, o)
		if err != nil {
			// Keep what was not applied, in order, for the next tick.
			s.setBacklog(outcomes[i:])
			return fmt.Errorf("failed to apply %s report for %s/%s: %w", o.Status, o.TaskID, o.DeviceID, err)
		}
		s.metrics.ObserveOutcome(o.Status, applied)
		tm.Add(func(m *perf.TickMetrics) {
			if applied {
				m.OutcomesApplied++
			} else {
				m.OutcomesIgnored++
			}
		})
	}
	return nil
}

func (s *Scheduler) takeBacklog() []fwrollout.Outcome {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	b := s.backlog
	s.backlog = nil
	return b
}

func (s *Scheduler) setBacklog(outcomes []fwrollout.Outcome) {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	s.backlog = append([]fwrollout.Outcome(nil), outcomes...)
}

// applyOutcome applies one report and reports whether it changed anything.
func (s *Scheduler) applyOutcome(ctx context.Context, budget *safeguards.DispatchBudget, taskCache map[string]*fwrollout.UpgradeTask, o fwrollout.Outcome) (bool, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"task_id":   o.TaskID,
		"device_id": o.DeviceID,
		"reported":  o.Status,
	})

	rec, err := s.store.GetRecord(ctx, o.TaskID, o.DeviceID)
	if errors.Is(err, fwrollout.ErrRecordNotFound) {
		logger.Warn("outcome for unknown device record")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Status.InFlight() {
		logger.WithField("status", rec.Status).Debug("ignoring outcome for record not in flight")
		return false, nil
	}
	// A report that arrived before the current dispatch belongs to an earlier attempt.
	if rec.DispatchedAt != nil && o.ReceivedAt.Before(*rec.DispatchedAt) {
		logger.WithField("dispatched_at", rec.DispatchedAt).Debug("ignoring outcome received before the current dispatch")
		return false, nil
	}

	u := fwrollout.RecordUpdate{
		TaskID:   o.TaskID,
		DeviceID: o.DeviceID,
		From:     rec.Status,
		At:       s.now(),
	}
	progress := o.ProgressPercent

	switch o.Status {
	case fwrollout.DeviceDownloading, fwrollout.DeviceInstalling:
		if rec.Status == fwrollout.DeviceInstalling && o.Status == fwrollout.DeviceDownloading {
			logger.Debug("ignoring progress report behind current phase")
			return false, nil
		}
		if rec.Status == o.Status && rec.ProgressPercent == progress {
			return false, nil
		}
		u.To = o.Status
		u.ProgressPercent = &progress
	case fwrollout.DeviceSuccess:
		progress = 100
		u.To = fwrollout.DeviceSuccess
		u.ProgressPercent = &progress
	case fwrollout.DeviceFailed:
		msg := o.ErrorMessage
		if msg == "" {
			msg = ReasonInstallFailed
		}
		u.To = fwrollout.DeviceFailed
		u.LastError = &msg
		u.IncrementAttempts = true
	default:
		logger.Warn("ignoring outcome with unexpected status")
		return false, nil
	}

	if err := s.store.TransitionRecord(ctx, u); err != nil {
		if errors.Is(err, fwrollout.ErrStaleWrite) {
			logger.Debug("record changed before outcome was applied")
			return false, nil
		}
		return false, err
	}

	if !u.To.IsTerminal() {
		return true, nil
	}
	budget.Release(1)

	if u.To == fwrollout.DeviceFailed {
		logger.WithFields(logrus.Fields{
			"attempt": rec.AttemptCount + 1,
			"error":   *u.LastError,
		}).Warn("device upgrade failed")
		return true, nil
	}

	task, err := s.cachedTask(ctx, taskCache, o.TaskID)
	if err != nil {
		return true, err
	}
	s.recordInstalled(ctx, task, rec, logger)
	if task.IsRollback() {
		s.markRolledBack(ctx, task, rec.DeviceID, logger)
	}
	logger.Info("device upgraded")
	return true, nil
}

func (s *Scheduler) cachedTask(ctx context.Context, cache map[string]*fwrollout.UpgradeTask, id string) (*fwrollout.UpgradeTask, error) {
	if t, ok := cache[id]; ok {
		return t, nil
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = t
	return t, nil
}

// recordInstalled updates the inventory with the version the device now runs.
// The record is already SUCCESS, so failures here are only logged.
func (s *Scheduler) recordInstalled(ctx context.Context, task *fwrollout.UpgradeTask, rec *fwrollout.DeviceUpgradeRecord, logger logrus.FieldLogger) {
	firmwareID := rec.FirmwareFor(task)
	artifact, err := s.registry.Resolve(ctx, firmwareID)
	if err != nil {
		logger.WithError(err).WithField("firmware_id", firmwareID).Warn("could not resolve installed firmware, inventory not updated")
		return
	}
	if err := s.store.SetDeviceFirmware(ctx, rec.DeviceID, artifact.Version, s.now()); err != nil {
		logger.WithError(err).Warn("failed to update device firmware version")
	}
}

// markRolledBack flags the source task's record once its device is back on
// the baseline.
func (s *Scheduler) markRolledBack(ctx context.Context, task *fwrollout.UpgradeTask, deviceID string, logger logrus.FieldLogger) {
	err := s.store.TransitionRecord(ctx, fwrollout.RecordUpdate{
		TaskID:   task.RollbackOfTaskID,
		DeviceID: deviceID,
		From:     fwrollout.DeviceSuccess,
		To:       fwrollout.DeviceRolledBack,
		At:       s.now(),
	})
	switch {
	case err == nil:
		logger.WithField("source_task_id", task.RollbackOfTaskID).Info("source record rolled back")
	case errors.Is(err, fwrollout.ErrStaleWrite), errors.Is(err, fwrollout.ErrRecordNotFound):
		logger.WithError(err).Debug("source record not marked rolled back")
	default:
		logger.WithError(err).Warn("failed to mark source record rolled back")
	}
}
