package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// CreateTaskRequest describes a new rollout.
type CreateTaskRequest struct {
	FirmwareID string
	Selector   fwrollout.DeviceSelector
	Strategy   fwrollout.Strategy
	BatchSize  int

	// CanarySize is the first batch for CANARY tasks. It must be smaller
	// than the remaining devices.
	CanarySize int

	BatchIntervalSeconds    int
	MaxRetries              int
	FailureThresholdPercent int
}

// CreateTask validates the request, freezes the device set and stores the
// task in CREATED with one PENDING record per device.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	artifact, err := s.registry.Resolve(ctx, req.FirmwareID)
	if err != nil {
		if errors.Is(err, fwrollout.ErrFirmwareNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to resolve firmware %s: %w", req.FirmwareID, err)
	}
	if !artifact.Available() {
		return "", fmt.Errorf("%w: %s (status %s, enabled %t)",
			fwrollout.ErrFirmwareNotAvailable, artifact.ID, artifact.Status, artifact.Enabled)
	}

	devices, err := s.resolveSelector(ctx, req.Selector)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.Type != artifact.DeviceType {
			return "", fwrollout.Invalid("devices", "device %s is type %q, firmware targets %q", d.ID, d.Type, artifact.DeviceType)
		}
		if artifact.DeviceModel != "" && d.Model != "" && d.Model != artifact.DeviceModel {
			return "", fwrollout.Invalid("devices", "device %s is model %q, firmware targets %q", d.ID, d.Model, artifact.DeviceModel)
		}
	}

	now := s.now()
	task := &fwrollout.UpgradeTask{
		ID:                      fwrollout.NewTaskID(),
		FirmwareID:              artifact.ID,
		Selector:                req.Selector,
		Strategy:                req.Strategy,
		BatchSize:               req.BatchSize,
		CanarySize:              req.CanarySize,
		BatchIntervalSeconds:    req.BatchIntervalSeconds,
		MaxRetries:              req.MaxRetries,
		FailureThresholdPercent: req.FailureThresholdPercent,
		Status:                  fwrollout.TaskCreated,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := normalize(task, len(devices)); err != nil {
		return "", err
	}

	records := make([]*fwrollout.DeviceUpgradeRecord, len(devices))
	for i, d := range devices {
		records[i] = &fwrollout.DeviceUpgradeRecord{
			TaskID:    task.ID,
			DeviceID:  d.ID,
			Status:    fwrollout.DevicePending,
			UpdatedAt: now,
		}
	}

	if err := s.store.InsertTask(ctx, task, records); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":     task.ID,
		"firmware_id": task.FirmwareID,
		"strategy":    task.Strategy,
		"batch_size":  task.BatchSize,
		"devices":     len(records),
	}).Info("task created")
	return task.ID, nil
}

// normalize validates the rollout parameters against the frozen device
// count, forcing ALL_AT_ONCE to a single batch.
func normalize(task *fwrollout.UpgradeTask, n int) error {
	if n == 0 {
		return fwrollout.Invalid("devices", "no devices selected")
	}
	if task.MaxRetries < 0 {
		return fwrollout.Invalid("max_retries", "must be >= 0, got %d", task.MaxRetries)
	}
	if task.FailureThresholdPercent < 0 || task.FailureThresholdPercent > 100 {
		return fwrollout.Invalid("failure_threshold_percent", "must be within 0..100, got %d", task.FailureThresholdPercent)
	}
	if task.BatchIntervalSeconds < 0 {
		return fwrollout.Invalid("batch_interval_seconds", "must be >= 0, got %d", task.BatchIntervalSeconds)
	}

	switch task.Strategy {
	case fwrollout.StrategyAllAtOnce:
		task.BatchSize = n
		task.CanarySize = 0
		task.BatchIntervalSeconds = 0
	case fwrollout.StrategyBatch:
		if task.BatchSize < 1 {
			return fwrollout.Invalid("batch_size", "must be >= 1, got %d", task.BatchSize)
		}
		task.CanarySize = 0
	case fwrollout.StrategyCanary:
		if task.BatchSize < 1 {
			return fwrollout.Invalid("batch_size", "must be >= 1, got %d", task.BatchSize)
		}
		if task.CanarySize < 1 {
			return fwrollout.Invalid("canary_size", "must be >= 1 for CANARY, got %d", task.CanarySize)
		}
		if task.CanarySize >= n-task.CanarySize {
			return fwrollout.Invalid("canary_size", "canary of %d must be smaller than the remaining %d devices", task.CanarySize, n-task.CanarySize)
		}
	default:
		return fwrollout.Invalid("strategy", "unknown strategy %q", task.Strategy)
	}
	if task.BatchSize > n {
		task.BatchSize = n
	}
	return nil
}

// resolveSelector turns a selector into the frozen, de-duplicated device set.
// Explicit ids must exist in the inventory so that dispatch can snapshot
// their current firmware.
func (s *Service) resolveSelector(ctx context.Context, sel fwrollout.DeviceSelector) ([]*fwrollout.Device, error) {
	if sel.IsExplicit() {
		seen := make(map[string]bool, len(sel.DeviceIDs))
		var out []*fwrollout.Device
		for _, id := range sel.DeviceIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			d, err := s.store.GetDevice(ctx, id)
			if err != nil {
				if errors.Is(err, fwrollout.ErrDeviceNotFound) {
					return nil, fwrollout.Invalid("devices", "unknown device %s", id)
				}
				return nil, err
			}
			out = append(out, d)
		}
		if len(out) == 0 {
			return nil, fwrollout.Invalid("devices", "no devices selected")
		}
		return out, nil
	}

	if sel.DeviceType == "" && sel.Area == "" {
		return nil, fwrollout.Invalid("devices", "selector needs device ids or a type/area filter")
	}
	devices, err := s.store.ListDevices(ctx, fwrollout.DeviceFilter{Type: sel.DeviceType, Area: sel.Area})
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fwrollout.Invalid("devices", "no devices match type %q area %q", sel.DeviceType, sel.Area)
	}
	return devices, nil
}
