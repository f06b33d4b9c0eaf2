package tui

import (
	"context"
	"fmt"
	"sort"

	fwrollout "github.com/superfly/fwrollout"
)

// Source is the read side the monitor polls. tasks.Service implements it.
type Source interface {
	ListTasks(ctx context.Context, statuses ...fwrollout.TaskStatus) ([]*fwrollout.UpgradeTask, error)
	GetProgress(ctx context.Context, taskID string) (fwrollout.Progress, error)
	GetTaskDevices(ctx context.Context, taskID string, statuses ...fwrollout.DeviceStatus) ([]*fwrollout.DeviceUpgradeRecord, error)
}

// Controller applies operator actions from the monitor. tasks.Service
// implements it.
type Controller interface {
	Start(ctx context.Context, taskID string) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Stop(ctx context.Context, taskID string) error
}

// Snapshot is one poll of rollout state.
type Snapshot struct {
	Tasks []TaskRow

	// Records belong to the task the monitor has selected.
	SelectedID string
	Records    []*fwrollout.DeviceUpgradeRecord
}

// DataFetcher retrieves monitor data from a Source.
type DataFetcher struct {
	source Source

	// ShowFinished includes COMPLETED, FAILED and STOPPED tasks.
	ShowFinished bool
}

// NewDataFetcher creates a new data fetcher.
func NewDataFetcher(source Source) *DataFetcher {
	return &DataFetcher{source: source}
}

// Fetch loads every task with its progress, plus the device records of
// selectedID when it is set.
func (f *DataFetcher) Fetch(ctx context.Context, selectedID string) (*Snapshot, error) {
	var statuses []fwrollout.TaskStatus
	if !f.ShowFinished {
		statuses = []fwrollout.TaskStatus{fwrollout.TaskCreated, fwrollout.TaskRunning, fwrollout.TaskPaused}
	}
	tasks, err := f.source.ListTasks(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	snap := &Snapshot{Tasks: make([]TaskRow, 0, len(tasks)), SelectedID: selectedID}
	for _, t := range tasks {
		p, err := f.source.GetProgress(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get progress for %s: %w", t.ID, err)
		}
		snap.Tasks = append(snap.Tasks, TaskRow{Task: t, Progress: p})
	}
	sort.SliceStable(snap.Tasks, func(i, j int) bool {
		return snap.Tasks[i].Task.CreatedAt.After(snap.Tasks[j].Task.CreatedAt)
	})

	if selectedID != "" {
		records, err := f.source.GetTaskDevices(ctx, selectedID)
		if err != nil {
			return nil, fmt.Errorf("failed to get devices for %s: %w", selectedID, err)
		}
		snap.Records = records
	}
	return snap, nil
}
