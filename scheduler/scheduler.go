// Package scheduler runs the periodic rollout loop.
//
// Each tick drains device outcome reports, fails records that outlived the
// device timeout, and then advances every RUNNING task: requeue retryable
// failures, pause on a crossed failure threshold, top up the in-flight
// batch and conclude tasks whose records are all settled.
//
// A tick only works from persisted state plus the inbox. Several schedulers
// may tick against the same store; claims are settled by the store's
// compare-and-swap and every other write is a CAS on the prior status, so a
// lost race is skipped rather than retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/dispatch"
	"github.com/superfly/fwrollout/metrics"
	"github.com/superfly/fwrollout/perf"
	"github.com/superfly/fwrollout/safeguards"
	"github.com/superfly/fwrollout/tasks"
)

const (
	DefaultInterval      = 15 * time.Second
	DefaultDeviceTimeout = 30 * time.Minute

	// slowTickThreshold is when a tick is logged as slow.
	slowTickThreshold = 5 * time.Second
)

// Attention reasons set on tasks the scheduler pauses.
const (
	AttentionThreshold = "failure threshold exceeded"
	AttentionCanary    = "canary device failed"
)

// Scheduler advances RUNNING tasks.
type Scheduler struct {
	store      fwrollout.Store
	registry   fwrollout.FirmwareRegistry
	dispatcher *dispatch.Dispatcher
	inbox      *Inbox
	budget     *safeguards.DispatchBudget
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     logrus.FieldLogger
	now        func() time.Time

	interval           time.Duration
	deviceTimeout      time.Duration
	maxOutcomesPerTick int

	// backlog holds reports a failed tick could not apply.
	backlogMu sync.Mutex
	backlog   []fwrollout.Outcome
}

// Config configures a Scheduler.
type Config struct {
	Store      fwrollout.Store
	Registry   fwrollout.FirmwareRegistry
	Dispatcher *dispatch.Dispatcher
	Inbox      *Inbox

	// Budget is charged by Run. Tick callers pass their own.
	Budget  *safeguards.DispatchBudget
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
	Now     func() time.Time

	Interval time.Duration

	// DeviceTimeout fails in-flight records with no report after this long.
	// Negative disables timeouts.
	DeviceTimeout time.Duration

	// MaxOutcomesPerTick bounds how many reports one tick applies. Zero
	// drains the inbox.
	MaxOutcomesPerTick int
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Inbox == nil {
		cfg.Inbox = NewInbox(DefaultInboxSize, cfg.Metrics)
	}
	if cfg.Budget == nil {
		cfg.Budget = cfg.Dispatcher.Budget()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DeviceTimeout == 0 {
		cfg.DeviceTimeout = DefaultDeviceTimeout
	}
	return &Scheduler{
		store:              cfg.Store,
		registry:           cfg.Registry,
		dispatcher:         cfg.Dispatcher,
		inbox:              cfg.Inbox,
		budget:             cfg.Budget,
		metrics:            cfg.Metrics,
		tracer:             otel.Tracer("github.com/superfly/fwrollout/scheduler"),
		logger:             cfg.Logger.WithField("component", "scheduler"),
		now:                cfg.Now,
		interval:           cfg.Interval,
		deviceTimeout:      cfg.DeviceTimeout,
		maxOutcomesPerTick: cfg.MaxOutcomesPerTick,
	}
}

// Inbox returns the outcome inbox device transports report into.
func (s *Scheduler) Inbox() *Inbox {
	return s.inbox
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
// A failed or panicking tick is logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"interval":       s.interval,
		"device_timeout": s.deviceTimeout,
		"max_inflight":   s.budget.Max(),
	}).Info("scheduler started")

	s.runTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	start := time.Now()
	var tm *perf.TickMetrics
	err := safeguards.RecoverableOperation(s.logger, "scheduler.tick", func() error {
		var err error
		tm, err = s.Tick(ctx, s.budget)
		return err
	})
	s.metrics.ObserveTick(time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).Error("tick failed")
		}
		return
	}

	if tm == nil {
		return
	}
	fields := tm.Fields()
	if tm.OutcomesApplied+tm.TimedOut+tm.Requeued+tm.Claimed+tm.Concluded > 0 {
		s.logger.WithFields(fields).Info("tick completed")
	} else {
		s.logger.WithFields(fields).Debug("tick completed")
	}
}

// Tick runs one pass of the loop, charging claims to budget. It returns the
// tick's counters. An error means the store failed part way; the next tick
// resumes from whatever was persisted.
func (s *Scheduler) Tick(ctx context.Context, budget *safeguards.DispatchBudget) (*perf.TickMetrics, error) {
	if budget == nil {
		budget = s.budget
	}
	tm := perf.NewTickMetrics()
	ctx = perf.WithMetrics(ctx, tm)
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	timer := perf.Start("scheduler.tick", s.logger)
	defer func() { tm.Total = timer.StopWithThreshold(slowTickThreshold) }()

	phase := time.Now()
	if err := budget.Sync(ctx, s.store); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "budget sync")
		return tm, err
	}
	tm.Record(perf.PhaseSync, time.Since(phase))

	phase = time.Now()
	err := s.applyOutcomes(ctx, budget)
	tm.Record(perf.PhaseOutcomes, time.Since(phase))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcomes")
		return tm, err
	}

	phase = time.Now()
	err = s.expireInFlight(ctx, budget)
	tm.Record(perf.PhaseTimeouts, time.Since(phase))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeouts")
		return tm, err
	}

	phase = time.Now()
	err = s.advanceTasks(ctx, budget)
	tm.Record(perf.PhaseTasks, time.Since(phase))

	s.metrics.SetInFlight(budget.InFlight())
	span.SetAttributes(
		attribute.Int("outcomes", tm.OutcomesApplied),
		attribute.Int("claimed", tm.Claimed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tasks")
		return tm, err
	}
	return tm, nil
}

// expireInFlight fails records that were dispatched longer ago than the
// device timeout.
func (s *Scheduler) expireInFlight(ctx context.Context, budget *safeguards.DispatchBudget) error {
	if s.deviceTimeout < 0 {
		return nil
	}
	now := s.now()
	stale, err := s.store.ListStaleInFlight(ctx, now.Add(-s.deviceTimeout))
	if err != nil {
		return fmt.Errorf("failed to list timed out records: %w", err)
	}

	tm := perf.MetricsFromContext(ctx)
	reason := fwrollout.ReasonTimeout
	for _, r := range stale {
		err := s.store.TransitionRecord(ctx, fwrollout.RecordUpdate{
			TaskID:            r.TaskID,
			DeviceID:          r.DeviceID,
			From:              r.Status,
			To:                fwrollout.DeviceFailed,
			LastError:         &reason,
			IncrementAttempts: true,
			At:                now,
		})
		if errors.Is(err, fwrollout.ErrStaleWrite) {
			// The device reported in between.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to time out device %s: %w", r.DeviceID, err)
		}
		budget.Release(1)
		s.metrics.ObserveTimeout()
		tm.Add(func(m *perf.TickMetrics) { m.TimedOut++ })

		s.logger.WithFields(logrus.Fields{
			"task_id":       r.TaskID,
			"device_id":     r.DeviceID,
			"status":        r.Status,
			"dispatched_at": r.DispatchedAt,
			"attempt":       r.AttemptCount + 1,
		}).Warn("device timed out")
	}
	return nil
}

// advanceTasks processes every RUNNING task. A failing task does not stop
// the others.
func (s *Scheduler) advanceTasks(ctx context.Context, budget *safeguards.DispatchBudget) error {
	running, err := s.store.ListTasks(ctx, fwrollout.TaskFilter{Statuses: []fwrollout.TaskStatus{fwrollout.TaskRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	d := s.dispatcher.WithBudget(budget)
	var errs []error
	for _, task := range running {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.advanceTask(ctx, d, task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("failed to advance task")
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) advanceTask(ctx context.Context, d *dispatch.Dispatcher, task *fwrollout.UpgradeTask) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.task", trace.WithAttributes(attribute.String("task.id", task.ID)))
	defer span.End()

	tm := perf.MetricsFromContext(ctx)
	logger := s.logger.WithField("task_id", task.ID)

	records, err := s.store.ListRecords(ctx, task.ID)
	if err != nil {
		return err
	}
	p := fwrollout.Summarize(task, records)

	if p.Remaining() > 0 {
		if reason := attentionReason(task, p); reason != "" {
			return s.pauseForAttention(ctx, task, p, reason, logger)
		}
	}

	if p.Retryable() > 0 {
		n, err := tasks.RequeueFailed(ctx, s.store, task, records, tasks.RetryOptions{}, s.now(), logger)
		s.metrics.ObserveRetries(n)
		tm.Add(func(m *perf.TickMetrics) { m.Requeued += n })
		if err != nil {
			return err
		}
		if n > 0 {
			if records, err = s.store.ListRecords(ctx, task.ID); err != nil {
				return err
			}
			p = fwrollout.Summarize(task, records)
		}
	}

	if limit := s.claimLimit(task, p); limit > 0 {
		claimed, err := d.ClaimBatch(ctx, task.ID, limit)
		if err != nil {
			return err
		}
		if len(claimed) > 0 {
			tm.Add(func(m *perf.TickMetrics) { m.Claimed += len(claimed) })
			res, err := d.Dispatch(ctx, task, claimed)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"claimed":      len(claimed),
				"sent":         res.Sent,
				"rejected":     res.Rejected,
				"incompatible": res.Incompatible,
			}).Info("batch dispatched")

			if records, err = s.store.ListRecords(ctx, task.ID); err != nil {
				return err
			}
		}
	}

	return s.conclude(ctx, task, records, logger)
}

// attentionReason returns why a task with work remaining must stop
// dispatching, or "" if it may continue.
func attentionReason(task *fwrollout.UpgradeTask, p fwrollout.Progress) string {
	if fwrollout.FailureThresholdExceeded(task, p) {
		return AttentionThreshold
	}
	if task.Strategy == fwrollout.StrategyCanary && p.Success < task.CanarySize && p.Exhausted > 0 {
		return AttentionCanary
	}
	return ""
}

// claimLimit is how many more records the task may put in flight now.
func (s *Scheduler) claimLimit(task *fwrollout.UpgradeTask, p fwrollout.Progress) int {
	if p.Pending == 0 {
		return 0
	}
	if task.Strategy != fwrollout.StrategyAllAtOnce && task.BatchInterval() > 0 && task.LastDispatchAt != nil {
		if s.now().Sub(*task.LastDispatchAt) < task.BatchInterval() {
			return 0
		}
	}

	limit := task.BatchSize - p.InProgress
	if task.Strategy == fwrollout.StrategyAllAtOnce {
		limit = p.Pending
	}
	if task.Strategy == fwrollout.StrategyCanary && p.Success < task.CanarySize {
		limit = min(limit, task.CanarySize-p.Success-p.InProgress)
	}
	return min(limit, p.Pending)
}

func (s *Scheduler) pauseForAttention(ctx context.Context, task *fwrollout.UpgradeTask, p fwrollout.Progress, reason string, logger logrus.FieldLogger) error {
	err := s.store.UpdateTask(ctx, fwrollout.TaskUpdate{
		ID:        task.ID,
		From:      fwrollout.TaskRunning,
		To:        fwrollout.TaskPaused,
		At:        s.now(),
		Attention: &reason,
	})
	if errors.Is(err, fwrollout.ErrStaleWrite) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pause task: %w", err)
	}
	s.metrics.ObserveTaskTransition(fwrollout.TaskPaused)
	perf.MetricsFromContext(ctx).Add(func(m *perf.TickMetrics) { m.Concluded++ })

	logger.WithFields(logrus.Fields{
		"reason":    reason,
		"exhausted": p.Exhausted,
		"total":     p.Total,
		"threshold": task.FailureThresholdPercent,
	}).Warn("task paused, needs operator attention")
	return nil
}

// conclude moves the task to the status its records imply, if that differs.
func (s *Scheduler) conclude(ctx context.Context, task *fwrollout.UpgradeTask, records []*fwrollout.DeviceUpgradeRecord, logger logrus.FieldLogger) error {
	derived := fwrollout.DeriveStatus(task, records)
	if derived == task.Status {
		return nil
	}
	err := s.store.UpdateTask(ctx, fwrollout.TaskUpdate{
		ID:   task.ID,
		From: task.Status,
		To:   derived,
		At:   s.now(),
	})
	if errors.Is(err, fwrollout.ErrStaleWrite) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to conclude task: %w", err)
	}
	s.metrics.ObserveTaskTransition(derived)
	perf.MetricsFromContext(ctx).Add(func(m *perf.TickMetrics) { m.Concluded++ })

	p := fwrollout.Summarize(task, records)
	logger.WithFields(logrus.Fields{
		"status":  derived,
		"success": p.Success,
		"failed":  p.Failed,
		"total":   p.Total,
	}).Info("task concluded")
	return nil
}
