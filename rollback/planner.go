// Package rollback derives tasks that return devices to the firmware they
// ran before an upgrade.
//
// Devices in one task may have started from different versions, so a
// rollback task carries a per-record target firmware instead of a single
// task firmware. Once created it is an ordinary task: an operator starts it
// and the scheduler dispatches it. Each record that succeeds marks the
// source record ROLLED_BACK.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// Target is one device's rollback destination.
type Target struct {
	DeviceID   string
	FirmwareID string
	Version    string

	// From is the version the source task installed.
	From string
}

// Plan is the set of rollback targets for a source task, keyed by device id.
type Plan struct {
	Source  *fwrollout.UpgradeTask
	Targets *immutable.SortedMap[string, Target]
}

// Len returns the number of devices in the plan.
func (p *Plan) Len() int {
	return p.Targets.Len()
}

// Target returns the destination planned for a device.
func (p *Plan) Target(deviceID string) (Target, bool) {
	return p.Targets.Get(deviceID)
}

// DeviceIDs returns the planned devices in id order.
func (p *Plan) DeviceIDs() []string {
	ids := make([]string, 0, p.Targets.Len())
	itr := p.Targets.Iterator()
	for !itr.Done() {
		id, _, _ := itr.Next()
		ids = append(ids, id)
	}
	return ids
}

// Planner builds rollback tasks.
type Planner struct {
	store    fwrollout.Store
	registry fwrollout.FirmwareRegistry
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Config configures a Planner.
type Config struct {
	Store    fwrollout.Store
	Registry fwrollout.FirmwareRegistry
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Planner{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger.WithField("component", "rollback"),
		now:      cfg.Now,
	}
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", fwrollout.ErrRollbackNotSupported, fmt.Sprintf(format, args...))
}

// IsRollbackSupported reports whether the task can be rolled back. A false
// result comes with the reason as an error wrapping ErrRollbackNotSupported;
// any other error is a lookup failure.
func (p *Planner) IsRollbackSupported(ctx context.Context, sourceTaskID string) (bool, error) {
	if _, err := p.Plan(ctx, sourceTaskID); err != nil {
		return false, err
	}
	return true, nil
}

// Plan checks the rollback preconditions and resolves every succeeded
// device's baseline artifact.
func (p *Planner) Plan(ctx context.Context, sourceTaskID string) (*Plan, error) {
	source, err := p.store.GetTask(ctx, sourceTaskID)
	if err != nil {
		return nil, err
	}
	if source.Status != fwrollout.TaskCompleted && source.Status != fwrollout.TaskFailed {
		return nil, unsupported("task %s is %s, only COMPLETED or FAILED tasks can be rolled back", source.ID, source.Status)
	}

	records, err := p.store.ListRecords(ctx, source.ID)
	if err != nil {
		return nil, err
	}

	targets := immutable.NewSortedMap[string, Target](nil)
	var problems []string
	for _, r := range records {
		if r.Status != fwrollout.DeviceSuccess {
			continue
		}
		t, err := p.target(ctx, source, r)
		if err != nil {
			if errors.Is(err, fwrollout.ErrRollbackNotSupported) {
				problems = append(problems, err.Error())
				continue
			}
			return nil, err
		}
		targets = targets.Set(t.DeviceID, t)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %d device(s) cannot roll back: %s",
			fwrollout.ErrRollbackNotSupported, len(problems), strings.Join(problems, "; "))
	}
	if targets.Len() == 0 {
		return nil, unsupported("task %s has no succeeded devices to roll back", source.ID)
	}
	return &Plan{Source: source, Targets: targets}, nil
}

func (p *Planner) target(ctx context.Context, source *fwrollout.UpgradeTask, r *fwrollout.DeviceUpgradeRecord) (Target, error) {
	if r.PreviousFirmwareVersion == "" {
		return Target{}, unsupported("device %s has no recorded previous version", r.DeviceID)
	}
	dev, err := p.store.GetDevice(ctx, r.DeviceID)
	if errors.Is(err, fwrollout.ErrDeviceNotFound) {
		return Target{}, unsupported("device %s is no longer in the inventory", r.DeviceID)
	}
	if err != nil {
		return Target{}, err
	}

	artifact, err := p.registry.ResolveVersion(ctx, dev.Type, dev.Model, r.PreviousFirmwareVersion)
	if errors.Is(err, fwrollout.ErrFirmwareNotFound) {
		return Target{}, unsupported("device %s: no %s firmware %s in the registry", r.DeviceID, dev.Type, r.PreviousFirmwareVersion)
	}
	if err != nil {
		return Target{}, fmt.Errorf("failed to resolve baseline for device %s: %w", r.DeviceID, err)
	}
	if !artifact.Available() {
		return Target{}, unsupported("device %s: baseline firmware %s (%s) is not available", r.DeviceID, artifact.ID, artifact.Version)
	}

	return Target{
		DeviceID:   r.DeviceID,
		FirmwareID: artifact.ID,
		Version:    artifact.Version,
		From:       dev.FirmwareVersion,
	}, nil
}

// CreateRollbackTask stores a CREATED task that returns every succeeded
// device of the source task to its own previous version. The rollout
// parameters are copied from the source; a canary source rolls back in
// plain batches.
func (p *Planner) CreateRollbackTask(ctx context.Context, sourceTaskID string) (string, error) {
	plan, err := p.Plan(ctx, sourceTaskID)
	if err != nil {
		return "", err
	}
	source := plan.Source
	ids := plan.DeviceIDs()
	n := len(ids)

	now := p.now()
	task := &fwrollout.UpgradeTask{
		ID:                      fwrollout.NewTaskID(),
		FirmwareID:              source.FirmwareID,
		Selector:                fwrollout.DeviceSelector{DeviceIDs: ids},
		Strategy:                source.Strategy,
		BatchSize:               min(max(source.BatchSize, 1), n),
		BatchIntervalSeconds:    source.BatchIntervalSeconds,
		MaxRetries:              source.MaxRetries,
		FailureThresholdPercent: source.FailureThresholdPercent,
		Status:                  fwrollout.TaskCreated,
		RollbackOfTaskID:        source.ID,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	switch task.Strategy {
	case fwrollout.StrategyAllAtOnce:
		task.BatchSize = n
		task.BatchIntervalSeconds = 0
	case fwrollout.StrategyCanary:
		task.Strategy = fwrollout.StrategyBatch
	}

	records := make([]*fwrollout.DeviceUpgradeRecord, 0, n)
	for _, id := range ids {
		t, _ := plan.Target(id)
		records = append(records, &fwrollout.DeviceUpgradeRecord{
			TaskID:           task.ID,
			DeviceID:         id,
			Status:           fwrollout.DevicePending,
			TargetFirmwareID: t.FirmwareID,
			UpdatedAt:        now,
		})
	}

	if err := p.store.InsertTask(ctx, task, records); err != nil {
		return "", err
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":        task.ID,
		"source_task_id": source.ID,
		"devices":        n,
		"strategy":       task.Strategy,
	}).Info("rollback task created")
	return task.ID, nil
}
