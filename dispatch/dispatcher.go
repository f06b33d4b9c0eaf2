// Package dispatch claims PENDING device records and sends upgrade commands.
//
// A claim and a send are separate steps. ClaimBatch moves records to
// DOWNLOADING inside one store transaction, which is the only point where
// concurrent workers race. Dispatch then talks to the device channel for the
// records this worker now owns. A send that fails is recorded as an
// immediate FAILED outcome and goes through the normal retry policy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/metrics"
	"github.com/superfly/fwrollout/safeguards"
)

// Dispatcher claims and dispatches device records.
type Dispatcher struct {
	store    fwrollout.Store
	registry fwrollout.FirmwareRegistry
	channel  fwrollout.DeviceChannel
	budget   *safeguards.DispatchBudget
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   logrus.FieldLogger
	now      func() time.Time

	sendConcurrency int
}

// Config configures a Dispatcher.
type Config struct {
	Store    fwrollout.Store
	Registry fwrollout.FirmwareRegistry
	Channel  fwrollout.DeviceChannel
	Budget   *safeguards.DispatchBudget
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time

	// SendConcurrency bounds parallel SendUpgradeCommand calls per Dispatch (default 16).
	SendConcurrency int
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Budget == nil {
		cfg.Budget = safeguards.NewDispatchBudget(safeguards.BudgetConfig{Logger: cfg.Logger})
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = 16
	}
	return &Dispatcher{
		store:           cfg.Store,
		registry:        cfg.Registry,
		channel:         cfg.Channel,
		budget:          cfg.Budget,
		metrics:         cfg.Metrics,
		tracer:          otel.Tracer("github.com/superfly/fwrollout/dispatch"),
		logger:          cfg.Logger.WithField("component", "dispatcher"),
		now:             cfg.Now,
		sendConcurrency: cfg.SendConcurrency,
	}
}

// Budget returns the dispatch budget this dispatcher charges.
func (d *Dispatcher) Budget() *safeguards.DispatchBudget {
	return d.budget
}

// WithBudget returns a copy of d that charges b. The scheduler binds the
// budget handed to each tick this way.
func (d *Dispatcher) WithBudget(b *safeguards.DispatchBudget) *Dispatcher {
	if b == nil || b == d.budget {
		return d
	}
	c := *d
	c.budget = b
	return &c
}

// ClaimBatch claims up to limit PENDING records of a RUNNING task, within the
// task's batch size and the fleet-wide budget. It returns the claimed records
// in claim order; an empty result is not an error.
func (d *Dispatcher) ClaimBatch(ctx context.Context, taskID string, limit int) ([]*fwrollout.DeviceUpgradeRecord, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.claim", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load task")
		return nil, err
	}

	granted := d.budget.Acquire(limit)
	if granted == 0 {
		return nil, nil
	}

	now := d.now()
	claimed, err := d.store.ClaimRecords(ctx, fwrollout.ClaimRequest{
		TaskID:    taskID,
		Limit:     granted,
		BatchSize: task.BatchSize,
		GlobalMax: d.budget.Max(),
		At:        now,
	})
	d.budget.Release(granted - len(claimed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		return nil, fmt.Errorf("failed to claim records for task %s: %w", taskID, err)
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))

	if len(claimed) > 0 {
		d.metrics.ObserveClaim(len(claimed))
		if err := d.store.MarkDispatched(ctx, taskID, now); err != nil {
			d.logger.WithError(err).WithField("task_id", taskID).Warn("failed to record batch dispatch time")
		}
	}
	return claimed, nil
}

// Result summarizes one Dispatch call.
type Result struct {
	Sent         int
	Rejected     int
	Incompatible int
}

// Dispatch sends upgrade commands for records this worker claimed. Per-record
// failures are recorded on the record and do not fail the call; an error is
// returned only when the store itself fails.
func (d *Dispatcher) Dispatch(ctx context.Context, task *fwrollout.UpgradeTask, records []*fwrollout.DeviceUpgradeRecord) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	results := make([]string, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.sendConcurrency)
	for i, r := range records {
		g.Go(func() error {
			res, err := d.dispatchOne(gctx, task, r)
			results[i] = res
			return err
		})
	}
	err := g.Wait()

	var out Result
	for _, res := range results {
		switch res {
		case metrics.DispatchSent:
			out.Sent++
		case metrics.DispatchRejected:
			out.Rejected++
		case metrics.DispatchIncompatible:
			out.Incompatible++
		}
	}
	span.SetAttributes(
		attribute.Int("sent", out.Sent),
		attribute.Int("rejected", out.Rejected),
		attribute.Int("incompatible", out.Incompatible),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
		return out, err
	}
	return out, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, task *fwrollout.UpgradeTask, r *fwrollout.DeviceUpgradeRecord) (string, error) {
	logger := d.logger.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"device_id": r.DeviceID,
	})
	firmwareID := r.FirmwareFor(task)

	current := ""
	dev, err := d.store.GetDevice(ctx, r.DeviceID)
	switch {
	case err == nil:
		current = dev.FirmwareVersion
	case errors.Is(err, fwrollout.ErrDeviceNotFound):
		logger.Warn("device missing from inventory, dispatching without version snapshot")
	default:
		return "", err
	}

	if current != "" {
		if err := d.store.SetPreviousVersion(ctx, task.ID, r.DeviceID, current); err != nil {
			return "", err
		}
	}

	artifact, err := d.registry.Resolve(ctx, firmwareID)
	if err != nil {
		return d.reject(ctx, task, r, fmt.Sprintf("%s: resolve %s: %v", fwrollout.ReasonDispatch, firmwareID, err), logger)
	}

	if !task.IsRollback() {
		ok, err := d.registry.CheckCompatibility(ctx, firmwareID, current)
		if err != nil {
			return d.reject(ctx, task, r, fmt.Sprintf("%s: compatibility check: %v", fwrollout.ReasonDispatch, err), logger)
		}
		if !ok {
			return d.incompatible(ctx, task, r, current, logger)
		}
	}

	sum, err := d.registry.GetChecksum(ctx, firmwareID)
	if err != nil {
		return d.reject(ctx, task, r, fmt.Sprintf("%s: checksum: %v", fwrollout.ReasonDispatch, err), logger)
	}

	ref := fwrollout.ArtifactRef{
		TaskID:     task.ID,
		FirmwareID: firmwareID,
		Version:    artifact.Version,
		Checksum:   sum,
		URL:        artifact.URL,
	}
	if err := d.channel.SendUpgradeCommand(ctx, r.DeviceID, ref); err != nil {
		return d.reject(ctx, task, r, fmt.Sprintf("%s: %v", fwrollout.ReasonDispatch, err), logger)
	}

	d.metrics.ObserveDispatch(metrics.DispatchSent)
	logger.WithFields(logrus.Fields{
		"firmware_id": firmwareID,
		"version":     artifact.Version,
		"attempt":     r.AttemptCount + 1,
	}).Info("upgrade command sent")
	return metrics.DispatchSent, nil
}

// reject records a dispatch failure as a FAILED outcome that counts as an attempt.
func (d *Dispatcher) reject(ctx context.Context, task *fwrollout.UpgradeTask, r *fwrollout.DeviceUpgradeRecord, reason string, logger logrus.FieldLogger) (string, error) {
	err := d.store.TransitionRecord(ctx, fwrollout.RecordUpdate{
		TaskID:            task.ID,
		DeviceID:          r.DeviceID,
		From:              fwrollout.DeviceDownloading,
		To:                fwrollout.DeviceFailed,
		LastError:         &reason,
		IncrementAttempts: true,
		At:                d.now(),
	})
	if err != nil && !errors.Is(err, fwrollout.ErrStaleWrite) {
		return "", err
	}
	d.budget.Release(1)
	d.metrics.ObserveDispatch(metrics.DispatchRejected)
	logger.WithField("reason", reason).Warn("dispatch rejected")
	return metrics.DispatchRejected, nil
}

// incompatible fails the record with no retries left: retrying cannot change
// the device's current version.
func (d *Dispatcher) incompatible(ctx context.Context, task *fwrollout.UpgradeTask, r *fwrollout.DeviceUpgradeRecord, current string, logger logrus.FieldLogger) (string, error) {
	reason := fwrollout.ReasonIncompatible
	attempts := task.MaxRetries + 1
	err := d.store.TransitionRecord(ctx, fwrollout.RecordUpdate{
		TaskID:    task.ID,
		DeviceID:  r.DeviceID,
		From:      fwrollout.DeviceDownloading,
		To:        fwrollout.DeviceFailed,
		LastError: &reason,
		Attempts:  &attempts,
		At:        d.now(),
	})
	if err != nil && !errors.Is(err, fwrollout.ErrStaleWrite) {
		return "", err
	}
	d.budget.Release(1)
	d.metrics.ObserveDispatch(metrics.DispatchIncompatible)
	logger.WithField("current_version", current).Warn("device incompatible with firmware, not retrying")
	return metrics.DispatchIncompatible, nil
}
