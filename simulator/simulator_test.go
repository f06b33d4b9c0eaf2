package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/dispatch"
	"github.com/superfly/fwrollout/fwtest"
	"github.com/superfly/fwrollout/memstore"
	"github.com/superfly/fwrollout/safeguards"
	"github.com/superfly/fwrollout/scheduler"
)

func TestInstallReportsProgressThenResult(t *testing.T) {
	sim := New(Config{Logger: fwtest.Logger(), FailDevices: []string{"bad"}})
	ref := fwrollout.ArtifactRef{TaskID: "t", FirmwareID: "fw-2", Version: "2.0.0"}

	var got []fwrollout.Outcome
	collect := func(o fwrollout.Outcome) error {
		got = append(got, o)
		return nil
	}

	sim.Install("good")(context.Background(), ref, collect)
	require.Len(t, got, 4)
	assert.Equal(t, fwrollout.DeviceDownloading, got[0].Status)
	assert.Equal(t, 50, got[1].ProgressPercent)
	assert.Equal(t, fwrollout.DeviceInstalling, got[2].Status)
	assert.Equal(t, fwrollout.DeviceSuccess, got[3].Status)
	assert.Equal(t, 100, got[3].ProgressPercent)

	got = nil
	sim.Install("bad")(context.Background(), ref, collect)
	require.Len(t, got, 4)
	assert.Equal(t, fwrollout.DeviceFailed, got[3].Status)
	assert.NotEmpty(t, got[3].ErrorMessage)
}

func TestFailureRate(t *testing.T) {
	ref := fwrollout.ArtifactRef{TaskID: "t"}
	final := func(sim *Simulator) fwrollout.DeviceStatus {
		var last fwrollout.Outcome
		sim.Install("d")(context.Background(), ref, func(o fwrollout.Outcome) error {
			last = o
			return nil
		})
		return last.Status
	}

	always := New(Config{Logger: fwtest.Logger(), FailureRate: 1})
	never := New(Config{Logger: fwtest.Logger(), FailureRate: 0})
	for range 10 {
		assert.Equal(t, fwrollout.DeviceFailed, final(always))
		assert.Equal(t, fwrollout.DeviceSuccess, final(never))
	}
}

func TestInstallStopsOnCancel(t *testing.T) {
	sim := New(Config{Logger: fwtest.Logger(), StepDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []fwrollout.Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Install("d")(ctx, fwrollout.ArtifactRef{TaskID: "t"}, func(o fwrollout.Outcome) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, o)
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func TestSendWithoutSink(t *testing.T) {
	sim := New(Config{Logger: fwtest.Logger()})
	assert.Error(t, sim.SendUpgradeCommand(context.Background(), "d", fwrollout.ArtifactRef{}))
}

// The simulator drives a real scheduler loop: dispatch, report, apply.
func TestLoopbackRollout(t *testing.T) {
	ctx := context.Background()
	store, err := memstore.New()
	require.NoError(t, err)
	registry := fwtest.NewRegistry(fwtest.Artifact("fw-2", "2.0.0"))
	budget := safeguards.NewDispatchBudget(safeguards.BudgetConfig{Logger: fwtest.Logger()})

	inbox := scheduler.NewInbox(scheduler.DefaultInboxSize, nil)
	sim := New(Config{
		Sink:        inbox,
		Logger:      fwtest.Logger(),
		FailDevices: []string{"d3"},
		Offline:     []string{"d5"},
	})
	d := dispatch.New(dispatch.Config{
		Store: store, Registry: registry, Channel: sim, Budget: budget, Logger: fwtest.Logger(),
	})
	sched := scheduler.New(scheduler.Config{
		Store: store, Registry: registry, Dispatcher: d, Inbox: inbox, Budget: budget, Logger: fwtest.Logger(),
	})

	devices := []string{"d1", "d2", "d3", "d4", "d5"}
	records := make([]*fwrollout.DeviceUpgradeRecord, 0, len(devices))
	for _, id := range devices {
		require.NoError(t, store.UpsertDevice(ctx, &fwrollout.Device{ID: id, Type: "lock", FirmwareVersion: "1.0.0"}))
		records = append(records, &fwrollout.DeviceUpgradeRecord{TaskID: "task-1", DeviceID: id, Status: fwrollout.DevicePending})
	}
	now := time.Now()
	require.NoError(t, store.InsertTask(ctx, &fwrollout.UpgradeTask{
		ID:                      "task-1",
		FirmwareID:              "fw-2",
		Selector:                fwrollout.DeviceSelector{DeviceIDs: devices},
		Strategy:                fwrollout.StrategyAllAtOnce,
		BatchSize:               len(devices),
		FailureThresholdPercent: 50,
		Status:                  fwrollout.TaskCreated,
		CreatedAt:               now,
		UpdatedAt:               now,
	}, records))
	require.NoError(t, store.UpdateTask(ctx, fwrollout.TaskUpdate{
		ID: "task-1", From: fwrollout.TaskCreated, To: fwrollout.TaskRunning, At: now,
	}))

	_, err = sched.Tick(ctx, budget)
	require.NoError(t, err)
	sim.Wait()
	_, err = sched.Tick(ctx, budget)
	require.NoError(t, err)

	task, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.TaskCompleted, task.Status)

	got, err := store.ListRecords(ctx, "task-1")
	require.NoError(t, err)
	statuses := make(map[string]fwrollout.DeviceStatus)
	for _, r := range got {
		statuses[r.DeviceID] = r.Status
	}
	assert.Equal(t, map[string]fwrollout.DeviceStatus{
		"d1": fwrollout.DeviceSuccess,
		"d2": fwrollout.DeviceSuccess,
		"d3": fwrollout.DeviceFailed,
		"d4": fwrollout.DeviceSuccess,
		"d5": fwrollout.DeviceFailed,
	}, statuses)

	dev, err := store.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", dev.FirmwareVersion)
}
