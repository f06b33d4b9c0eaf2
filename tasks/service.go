// Package tasks implements the task store operations exposed to operators:
// creation, lifecycle transitions, progress queries and failed-device retry.
//
// The Service holds no state of its own. Every operation reads the Store,
// validates against the central transition tables, and writes back with a
// compare-and-swap on the prior status, so several Services (and scheduler
// workers) may share one Store.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// maxTransitionAttempts bounds re-reads when a status CAS loses to a concurrent writer.
const maxTransitionAttempts = 3

// Service is the task store facade.
type Service struct {
	store    fwrollout.Store
	registry fwrollout.FirmwareRegistry
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Config configures a Service.
type Config struct {
	Store    fwrollout.Store
	Registry fwrollout.FirmwareRegistry
	Logger   logrus.FieldLogger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger.WithField("component", "tasks"),
		now:      cfg.Now,
	}
}

// Start moves a CREATED task to RUNNING.
func (s *Service) Start(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, fwrollout.TaskRunning, nil, fwrollout.TaskCreated)
}

// Pause moves a RUNNING task to PAUSED. In-flight devices keep reporting.
func (s *Service) Pause(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, fwrollout.TaskPaused, nil, fwrollout.TaskRunning)
}

// Resume moves a PAUSED task back to RUNNING and clears any attention flag.
func (s *Service) Resume(ctx context.Context, taskID string) error {
	cleared := ""
	return s.transition(ctx, taskID, fwrollout.TaskRunning, &cleared, fwrollout.TaskPaused)
}

// Stop ends a RUNNING or PAUSED task. Already-dispatched devices are not
// recalled; their outcomes are still recorded.
func (s *Service) Stop(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, fwrollout.TaskStopped, nil, fwrollout.TaskRunning, fwrollout.TaskPaused)
}

// transition applies an operator action. from lists the statuses the action
// is defined for; it is narrower than the transition table (Resume is not
// Start even though both end in RUNNING).
func (s *Service) transition(ctx context.Context, taskID string, to fwrollout.TaskStatus, attention *string, from ...fwrollout.TaskStatus) error {
	for attempt := 1; ; attempt++ {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !statusIn(task.Status, from) {
			return fmt.Errorf("%w: %s -> %s", fwrollout.ErrIllegalTaskTransition, task.Status, to)
		}
		if err := fwrollout.ValidateTaskTransition(task.Status, to); err != nil {
			return err
		}

		err = s.store.UpdateTask(ctx, fwrollout.TaskUpdate{
			ID:        taskID,
			From:      task.Status,
			To:        to,
			At:        s.now(),
			Attention: attention,
		})
		if err == nil {
			s.logger.WithFields(logrus.Fields{
				"task_id": taskID,
				"from":    task.Status,
				"to":      to,
			}).Info("task transitioned")
			return nil
		}
		if !errors.Is(err, fwrollout.ErrStaleWrite) || attempt >= maxTransitionAttempts {
			return err
		}
	}
}

func statusIn(s fwrollout.TaskStatus, set []fwrollout.TaskStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// Delete removes a task that never started or has finished.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != fwrollout.TaskCreated && !task.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot delete %s task", fwrollout.ErrIllegalTaskTransition, task.Status)
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.logger.WithField("task_id", taskID).Info("task deleted")
	return nil
}

// PurgeFinished deletes STOPPED, COMPLETED and FAILED tasks that have not
// changed for olderThan, returning their ids. With dryRun nothing is deleted.
func (s *Service) PurgeFinished(ctx context.Context, olderThan time.Duration, dryRun bool) ([]string, error) {
	finished, err := s.store.ListTasks(ctx, fwrollout.TaskFilter{
		Statuses: []fwrollout.TaskStatus{fwrollout.TaskStopped, fwrollout.TaskCompleted, fwrollout.TaskFailed},
	})
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan)

	var purged []string
	for _, task := range finished {
		if !task.UpdatedAt.Before(cutoff) {
			continue
		}
		logger := s.logger.WithFields(logrus.Fields{"task_id": task.ID, "status": task.Status, "updated_at": task.UpdatedAt})
		if dryRun {
			logger.Info("would purge task")
			purged = append(purged, task.ID)
			continue
		}
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			if errors.Is(err, fwrollout.ErrTaskNotFound) {
				continue
			}
			return purged, fmt.Errorf("failed to purge task %s: %w", task.ID, err)
		}
		logger.Info("purged task")
		purged = append(purged, task.ID)
	}
	return purged, nil
}
