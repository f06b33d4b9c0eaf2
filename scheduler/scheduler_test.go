package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/dispatch"
	"github.com/superfly/fwrollout/fwtest"
	"github.com/superfly/fwrollout/memstore"
	"github.com/superfly/fwrollout/metrics"
	"github.com/superfly/fwrollout/perf"
	"github.com/superfly/fwrollout/safeguards"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store    *memstore.Store
	registry *fwtest.Registry
	channel  *fwtest.Channel
	clock    *fwtest.Clock
	budget   *safeguards.DispatchBudget
	metrics  *metrics.Metrics
	sched    *Scheduler
}

func newEnv(t *testing.T, maxInflight int, deviceTimeout time.Duration) *env {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)
	e := &env{
		store:    store,
		registry: fwtest.NewRegistry(fwtest.Artifact("fw-2", "2.0.0")),
		channel:  fwtest.NewChannel(),
		clock:    fwtest.NewClock(epoch),
		budget:   safeguards.NewDispatchBudget(safeguards.BudgetConfig{MaxConcurrent: maxInflight, Logger: fwtest.Logger()}),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	e.sched = e.newScheduler(e.budget, deviceTimeout)
	return e
}

func (e *env) newScheduler(budget *safeguards.DispatchBudget, deviceTimeout time.Duration) *Scheduler {
	d := dispatch.New(dispatch.Config{
		Store:    e.store,
		Registry: e.registry,
		Channel:  e.channel,
		Budget:   budget,
		Metrics:  e.metrics,
		Logger:   fwtest.Logger(),
		Now:      e.clock.Now,
	})
	return New(Config{
		Store:         e.store,
		Registry:      e.registry,
		Dispatcher:    d,
		Inbox:         NewInbox(64, e.metrics),
		Budget:        budget,
		Metrics:       e.metrics,
		Logger:        fwtest.Logger(),
		Now:           e.clock.Now,
		DeviceTimeout: deviceTimeout,
	})
}

// startTask stores a RUNNING task targeting fw-2 on devices running 1.0.0.
func (e *env) startTask(t *testing.T, task fwrollout.UpgradeTask, devices ...string) string {
	t.Helper()
	ctx := context.Background()
	task.FirmwareID = "fw-2"
	task.Status = fwrollout.TaskCreated
	task.CreatedAt = e.clock.Now()
	task.UpdatedAt = e.clock.Now()
	if task.Strategy == "" {
		task.Strategy = fwrollout.StrategyBatch
	}
	var records []*fwrollout.DeviceUpgradeRecord
	for _, d := range devices {
		require.NoError(t, e.store.UpsertDevice(ctx, &fwrollout.Device{ID: d, Type: "lock", FirmwareVersion: "1.0.0"}))
		records = append(records, &fwrollout.DeviceUpgradeRecord{TaskID: task.ID, DeviceID: d, Status: fwrollout.DevicePending})
	}
	require.NoError(t, e.store.InsertTask(ctx, &task, records))
	require.NoError(t, e.store.UpdateTask(ctx, fwrollout.TaskUpdate{
		ID: task.ID, From: fwrollout.TaskCreated, To: fwrollout.TaskRunning, At: e.clock.Now(),
	}))
	return task.ID
}

func (e *env) tick(t *testing.T) *perf.TickMetrics {
	t.Helper()
	tm, err := e.sched.Tick(context.Background(), e.budget)
	require.NoError(t, err)
	return tm
}

func (e *env) report(t *testing.T, taskID, deviceID string, status fwrollout.DeviceStatus, msg string) {
	t.Helper()
	require.NoError(t, e.sched.Inbox().ReportOutcome(context.Background(), fwrollout.Outcome{
		TaskID:       taskID,
		DeviceID:     deviceID,
		Status:       status,
		ErrorMessage: msg,
		ReceivedAt:   e.clock.Now(),
	}))
}

func (e *env) statuses(t *testing.T, taskID string) map[string]fwrollout.DeviceStatus {
	t.Helper()
	records, err := e.store.ListRecords(context.Background(), taskID)
	require.NoError(t, err)
	out := make(map[string]fwrollout.DeviceStatus, len(records))
	for _, r := range records {
		out[r.DeviceID] = r.Status
	}
	return out
}

func (e *env) taskStatus(t *testing.T, taskID string) *fwrollout.UpgradeTask {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func inFlightIDs(statuses map[string]fwrollout.DeviceStatus) []string {
	var ids []string
	for id, st := range statuses {
		if st.InFlight() {
			ids = append(ids, id)
		}
	}
	return ids
}

// A five-device batch rollout where one device fails once and succeeds on retry.
func TestScenario_BatchWithRetry(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", BatchSize: 2, MaxRetries: 1, FailureThresholdPercent: 50,
	}, "1", "2", "3", "4", "5")

	e.tick(t)
	assert.ElementsMatch(t, []string{"1", "2"}, inFlightIDs(e.statuses(t, id)))

	e.report(t, id, "1", fwrollout.DeviceSuccess, "")
	e.report(t, id, "2", fwrollout.DeviceSuccess, "")
	e.tick(t)
	assert.ElementsMatch(t, []string{"3", "4"}, inFlightIDs(e.statuses(t, id)))

	e.report(t, id, "3", fwrollout.DeviceSuccess, "")
	e.report(t, id, "4", fwrollout.DeviceFailed, "checksum mismatch")
	tm := e.tick(t)
	assert.Equal(t, 1, tm.Requeued)
	assert.Equal(t, 2, tm.Claimed)
	assert.ElementsMatch(t, []string{"5", "4"}, inFlightIDs(e.statuses(t, id)))

	rec, err := e.store.GetRecord(context.Background(), id, "4")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, "checksum mismatch", rec.LastError)

	records, err := e.store.ListRecords(context.Background(), id)
	require.NoError(t, err)
	var order []string
	for _, r := range records {
		order = append(order, r.DeviceID)
	}
	assert.Equal(t, []string{"1", "2", "3", "5", "4"}, order, "retried device queues behind device 5")

	e.report(t, id, "5", fwrollout.DeviceSuccess, "")
	e.report(t, id, "4", fwrollout.DeviceSuccess, "")
	e.tick(t)

	for dev, st := range e.statuses(t, id) {
		assert.Equal(t, fwrollout.DeviceSuccess, st, "device %s", dev)
	}
	task := e.taskStatus(t, id)
	assert.Equal(t, fwrollout.TaskCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Len(t, e.channel.Sends(), 6)

	dev, err := e.store.GetDevice(context.Background(), "4")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", dev.FirmwareVersion)
}

// Three of four devices exhaust their retries with a 50% threshold.
func TestScenario_ThresholdPausesTask(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", BatchSize: 3, MaxRetries: 0, FailureThresholdPercent: 50,
	}, "1", "2", "3", "4")

	e.tick(t)
	for _, d := range []string{"1", "2", "3"} {
		e.report(t, id, d, fwrollout.DeviceFailed, "install rejected")
	}
	e.tick(t)

	task := e.taskStatus(t, id)
	assert.Equal(t, fwrollout.TaskPaused, task.Status)
	assert.True(t, task.NeedsAttention)
	assert.Equal(t, AttentionThreshold, task.AttentionReason)
	assert.Equal(t, fwrollout.DevicePending, e.statuses(t, id)["4"])
	assert.Len(t, e.channel.Sends(), 3)

	// Paused tasks are left alone.
	e.tick(t)
	assert.Len(t, e.channel.Sends(), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.TaskTransitions.WithLabelValues(string(fwrollout.TaskPaused))))
}

func TestTick_ExhaustedFailuresConcludeTask(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", BatchSize: 4, MaxRetries: 0, FailureThresholdPercent: 50,
	}, "1", "2", "3", "4")

	e.tick(t)
	e.report(t, id, "1", fwrollout.DeviceFailed, "")
	e.report(t, id, "2", fwrollout.DeviceSuccess, "")
	e.report(t, id, "3", fwrollout.DeviceSuccess, "")
	e.report(t, id, "4", fwrollout.DeviceSuccess, "")
	e.tick(t)
	assert.Equal(t, fwrollout.TaskCompleted, e.taskStatus(t, id).Status, "one exhausted failure is within threshold")

	rec, err := e.store.GetRecord(context.Background(), id, "1")
	require.NoError(t, err)
	assert.Equal(t, ReasonInstallFailed, rec.LastError)

	e2 := newEnv(t, 0, 0)
	id = e2.startTask(t, fwrollout.UpgradeTask{
		ID: "task-2", BatchSize: 2, MaxRetries: 0, FailureThresholdPercent: 40,
	}, "1", "2")
	e2.tick(t)
	e2.report(t, id, "1", fwrollout.DeviceFailed, "")
	e2.report(t, id, "2", fwrollout.DeviceFailed, "")
	e2.tick(t)
	assert.Equal(t, fwrollout.TaskFailed, e2.taskStatus(t, id).Status)
}

func TestTick_DuplicateOutcomeIsIgnored(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", BatchSize: 2, MaxRetries: 1, FailureThresholdPercent: 50,
	}, "1", "2")
	e.tick(t)

	e.report(t, id, "1", fwrollout.DeviceFailed, "flash write error")
	e.tick(t)
	first, err := e.store.GetRecord(context.Background(), id, "1")
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	e.report(t, id, "2", fwrollout.DeviceSuccess, "")
	e.report(t, id, "2", fwrollout.DeviceSuccess, "")
	tm := e.tick(t)
	assert.Equal(t, 1, tm.OutcomesApplied)
	assert.Equal(t, 1, tm.OutcomesIgnored)

	before, err := e.store.GetRecord(context.Background(), id, "2")
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	e.report(t, id, "2", fwrollout.DeviceFailed, "late duplicate")
	e.tick(t)
	after, err := e.store.GetRecord(context.Background(), id, "2")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The retried record was re-dispatched, so its attempt count is unchanged.
	retried, err := e.store.GetRecord(context.Background(), id, "1")
	require.NoError(t, err)
	assert.Equal(t, first.AttemptCount, retried.AttemptCount)
}

func TestTick_ProgressReports(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, FailureThresholdPercent: 50}, "1")
	e.tick(t)

	ctx := context.Background()
	require.NoError(t, e.sched.Inbox().ReportOutcome(ctx, fwrollout.Outcome{
		TaskID: id, DeviceID: "1", Status: fwrollout.DeviceDownloading, ProgressPercent: 40,
	}))
	require.NoError(t, e.sched.Inbox().ReportOutcome(ctx, fwrollout.Outcome{
		TaskID: id, DeviceID: "1", Status: fwrollout.DeviceInstalling, ProgressPercent: 80,
	}))
	require.NoError(t, e.sched.Inbox().ReportOutcome(ctx, fwrollout.Outcome{
		TaskID: id, DeviceID: "1", Status: fwrollout.DeviceDownloading, ProgressPercent: 90,
	}))
	tm := e.tick(t)
	assert.Equal(t, 2, tm.OutcomesApplied)
	assert.Equal(t, 1, tm.OutcomesIgnored)

	rec, err := e.store.GetRecord(ctx, id, "1")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.DeviceInstalling, rec.Status)
	assert.Equal(t, 80, rec.ProgressPercent)
}

func TestTick_TimeoutFailsRecord(t *testing.T) {
	e := newEnv(t, 0, 10*time.Minute)
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, MaxRetries: 0, FailureThresholdPercent: 50}, "1")
	e.tick(t)

	e.clock.Advance(5 * time.Minute)
	e.tick(t)
	assert.Equal(t, fwrollout.DeviceDownloading, e.statuses(t, id)["1"])

	e.clock.Advance(6 * time.Minute)
	tm := e.tick(t)
	assert.Equal(t, 1, tm.TimedOut)

	rec, err := e.store.GetRecord(context.Background(), id, "1")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.DeviceFailed, rec.Status)
	assert.Equal(t, fwrollout.ReasonTimeout, rec.LastError)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, fwrollout.TaskFailed, e.taskStatus(t, id).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Timeouts))
}

func TestTick_TimedOutRecordIsRetried(t *testing.T) {
	e := newEnv(t, 0, 10*time.Minute)
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, MaxRetries: 2, FailureThresholdPercent: 50}, "1")
	e.tick(t)

	e.clock.Advance(11 * time.Minute)
	tm := e.tick(t)
	assert.Equal(t, 1, tm.TimedOut)
	assert.Equal(t, 1, tm.Requeued)
	assert.Equal(t, 1, tm.Claimed)
	assert.Len(t, e.channel.Sends(), 2)
	assert.Equal(t, fwrollout.DeviceDownloading, e.statuses(t, id)["1"])
}

func TestTick_OutcomeFromEarlierDispatchIsIgnored(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.sched.maxOutcomesPerTick = 1
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, MaxRetries: 3, FailureThresholdPercent: 100}, "1")
	e.tick(t)

	// The device repeats its failure report; only one fits in the next tick.
	e.clock.Advance(10 * time.Second)
	e.report(t, id, "1", fwrollout.DeviceFailed, "flash write error")
	e.report(t, id, "1", fwrollout.DeviceFailed, "flash write error")

	e.clock.Advance(time.Minute)
	tm := e.tick(t)
	assert.Equal(t, 1, tm.OutcomesApplied)
	assert.Equal(t, 1, tm.Requeued)
	assert.Equal(t, 1, tm.Claimed)

	e.clock.Advance(time.Minute)
	tm = e.tick(t)
	assert.Equal(t, 0, tm.OutcomesApplied)
	assert.Equal(t, 1, tm.OutcomesIgnored)

	rec, err := e.store.GetRecord(context.Background(), id, "1")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.DeviceDownloading, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Len(t, e.channel.Sends(), 2)
}

func TestTick_StoppedTaskStillRecordsOutcomes(t *testing.T) {
	e := newEnv(t, 0, 0)
	ctx := context.Background()
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, FailureThresholdPercent: 50}, "1", "2")
	e.tick(t)

	require.NoError(t, e.store.UpdateTask(ctx, fwrollout.TaskUpdate{
		ID: id, From: fwrollout.TaskRunning, To: fwrollout.TaskStopped, At: e.clock.Now(),
	}))
	e.report(t, id, "1", fwrollout.DeviceSuccess, "")
	e.tick(t)

	statuses := e.statuses(t, id)
	assert.Equal(t, fwrollout.DeviceSuccess, statuses["1"])
	assert.Equal(t, fwrollout.DevicePending, statuses["2"], "stopped task claims nothing")
	assert.Equal(t, fwrollout.TaskStopped, e.taskStatus(t, id).Status)

	dev, err := e.store.GetDevice(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", dev.FirmwareVersion)
}

func TestTick_BatchInterval(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", BatchSize: 1, BatchIntervalSeconds: 60, FailureThresholdPercent: 50,
	}, "1", "2")
	e.tick(t)
	e.report(t, id, "1", fwrollout.DeviceSuccess, "")

	e.clock.Advance(30 * time.Second)
	tm := e.tick(t)
	assert.Zero(t, tm.Claimed)

	e.clock.Advance(31 * time.Second)
	tm = e.tick(t)
	assert.Equal(t, 1, tm.Claimed)
	assert.Equal(t, fwrollout.DeviceDownloading, e.statuses(t, id)["2"])
}

func TestTick_CanaryGatesRollout(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", Strategy: fwrollout.StrategyCanary, CanarySize: 1, BatchSize: 3,
		MaxRetries: 0, FailureThresholdPercent: 50,
	}, "1", "2", "3", "4", "5")

	tm := e.tick(t)
	assert.Equal(t, 1, tm.Claimed)
	tm = e.tick(t)
	assert.Zero(t, tm.Claimed, "no more dispatches until the canary succeeds")

	e.report(t, id, "1", fwrollout.DeviceSuccess, "")
	tm = e.tick(t)
	assert.Equal(t, 3, tm.Claimed)
}

func TestTick_CanaryFailurePauses(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{
		ID: "task-1", Strategy: fwrollout.StrategyCanary, CanarySize: 1, BatchSize: 3,
		MaxRetries: 0, FailureThresholdPercent: 50,
	}, "1", "2", "3", "4", "5")

	e.tick(t)
	e.report(t, id, "1", fwrollout.DeviceFailed, "boot loop")
	e.tick(t)

	task := e.taskStatus(t, id)
	assert.Equal(t, fwrollout.TaskPaused, task.Status)
	assert.Equal(t, AttentionCanary, task.AttentionReason)
	assert.Len(t, e.channel.Sends(), 1)
}

func TestTick_GlobalBudgetAcrossTasks(t *testing.T) {
	e := newEnv(t, 4, 0)
	a := e.startTask(t, fwrollout.UpgradeTask{ID: "task-a", BatchSize: 3, FailureThresholdPercent: 50}, "a1", "a2", "a3")
	b := e.startTask(t, fwrollout.UpgradeTask{ID: "task-b", BatchSize: 3, FailureThresholdPercent: 50}, "b1", "b2", "b3")

	e.tick(t)
	assert.Len(t, inFlightIDs(e.statuses(t, a)), 3)
	assert.Len(t, inFlightIDs(e.statuses(t, b)), 1)
	assert.Equal(t, 4, e.budget.InFlight())

	e.report(t, a, "a1", fwrollout.DeviceSuccess, "")
	e.report(t, a, "a2", fwrollout.DeviceSuccess, "")
	e.tick(t)
	n, err := e.store.CountInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, inFlightIDs(e.statuses(t, b)), 3)
}

// Several schedulers tick the same store at once, each with its own budget.
func TestTick_ConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	e := newEnv(t, 5, 0)
	var devices []string
	for i := range 40 {
		devices = append(devices, fmt.Sprintf("d%02d", i))
	}
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 40, FailureThresholdPercent: 50}, devices...)

	const workers = 8
	scheds := make([]*Scheduler, workers)
	budgets := make([]*safeguards.DispatchBudget, workers)
	for i := range scheds {
		budgets[i] = safeguards.NewDispatchBudget(safeguards.BudgetConfig{MaxConcurrent: 5, Logger: fwtest.Logger()})
		scheds[i] = e.newScheduler(budgets[i], 0)
	}

	var g errgroup.Group
	for i := range scheds {
		g.Go(func() error {
			_, err := scheds[i].Tick(context.Background(), budgets[i])
			return err
		})
	}
	require.NoError(t, g.Wait())

	sent := e.channel.Devices()
	assert.Len(t, sent, 5, "store caps the fleet at five in flight")
	seen := map[string]bool{}
	for _, d := range sent {
		assert.False(t, seen[d], "device %s dispatched twice", d)
		seen[d] = true
	}
	assert.Len(t, inFlightIDs(e.statuses(t, id)), 5)
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t, 0, 0)
	id := e.startTask(t, fwrollout.UpgradeTask{ID: "task-1", BatchSize: 1, FailureThresholdPercent: 50}, "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.statuses(t, id)["1"] == fwrollout.DeviceDownloading
	}, 5*time.Second, 10*time.Millisecond, "first tick runs immediately")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
