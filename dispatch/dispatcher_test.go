package dispatch

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/fwtest"
	"github.com/superfly/fwrollout/memstore"
	"github.com/superfly/fwrollout/metrics"
	"github.com/superfly/fwrollout/safeguards"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *memstore.Store
	registry *fwtest.Registry
	channel  *fwtest.Channel
	budget   *safeguards.DispatchBudget
	metrics  *metrics.Metrics
	d        *Dispatcher
}

func newHarness(t *testing.T, maxInflight int) *harness {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)

	h := &harness{
		store:    store,
		registry: fwtest.NewRegistry(fwtest.Artifact("fw-2", "2.0.0"), fwtest.Artifact("fw-1", "1.0.0")),
		channel:  fwtest.NewChannel(),
		budget:   safeguards.NewDispatchBudget(safeguards.BudgetConfig{MaxConcurrent: maxInflight, Logger: fwtest.Logger()}),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.d = New(Config{
		Store:    store,
		Registry: h.registry,
		Channel:  h.channel,
		Budget:   h.budget,
		Metrics:  h.metrics,
		Logger:   fwtest.Logger(),
		Now:      func() time.Time { return epoch },
	})
	return h
}

func (h *harness) addTask(t *testing.T, id string, batch int, devices ...string) *fwrollout.UpgradeTask {
	t.Helper()
	ctx := context.Background()
	task := &fwrollout.UpgradeTask{
		ID:                      id,
		FirmwareID:              "fw-2",
		Strategy:                fwrollout.StrategyBatch,
		BatchSize:               batch,
		MaxRetries:              2,
		FailureThresholdPercent: 50,
		Status:                  fwrollout.TaskCreated,
		CreatedAt:               epoch,
		UpdatedAt:               epoch,
	}
	var records []*fwrollout.DeviceUpgradeRecord
	for _, d := range devices {
		require.NoError(t, h.store.UpsertDevice(ctx, &fwrollout.Device{ID: d, Type: "lock", FirmwareVersion: "1.0.0"}))
		records = append(records, &fwrollout.DeviceUpgradeRecord{TaskID: id, DeviceID: d, Status: fwrollout.DevicePending})
	}
	require.NoError(t, h.store.InsertTask(ctx, task, records))
	require.NoError(t, h.store.UpdateTask(ctx, fwrollout.TaskUpdate{ID: id, From: fwrollout.TaskCreated, To: fwrollout.TaskRunning, At: epoch}))
	got, err := h.store.GetTask(ctx, id)
	require.NoError(t, err)
	return got
}

func recordIDs(records []*fwrollout.DeviceUpgradeRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.DeviceID
	}
	return out
}

func TestClaimBatch_HonorsBatchSizeAndBudget(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.addTask(t, "task-1", 2, "a", "b", "c")
	h.addTask(t, "task-2", 5, "x", "y", "z")

	claimed, err := h.d.ClaimBatch(ctx, "task-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, recordIDs(claimed))
	assert.Equal(t, 2, h.budget.InFlight(), "unused grant is returned")

	claimed, err = h.d.ClaimBatch(ctx, "task-2", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, recordIDs(claimed))
	assert.Equal(t, 0, h.budget.Available())

	claimed, err = h.d.ClaimBatch(ctx, "task-2", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	task, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, task.LastDispatchAt)
	assert.True(t, task.LastDispatchAt.Equal(epoch))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Claimed))
}

func TestClaimBatch_UnknownTask(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.d.ClaimBatch(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, fwrollout.ErrTaskNotFound)
}

func TestDispatch_SendsAndSnapshotsVersion(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	task := h.addTask(t, "task-1", 2, "a", "b")

	claimed, err := h.d.ClaimBatch(ctx, "task-1", 2)
	require.NoError(t, err)

	res, err := h.d.Dispatch(ctx, task, claimed)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 2}, res)

	sends := h.channel.Sends()
	require.Len(t, sends, 2)
	sort.Slice(sends, func(i, j int) bool { return sends[i].DeviceID < sends[j].DeviceID })
	assert.Equal(t, "a", sends[0].DeviceID)
	assert.Equal(t, fwrollout.ArtifactRef{
		TaskID:     "task-1",
		FirmwareID: "fw-2",
		Version:    "2.0.0",
		Checksum:   "md5-fw-2",
		URL:        "https://firmware.example/fw-2.bin",
	}, sends[0].Ref)

	rec, err := h.store.GetRecord(ctx, "task-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.PreviousFirmwareVersion)
	assert.Equal(t, fwrollout.DeviceDownloading, rec.Status)
}

func TestDispatch_RejectedSendFailsRecord(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	task := h.addTask(t, "task-1", 2, "a", "b")
	h.channel.Reject["b"] = errors.New("device offline")

	claimed, err := h.d.ClaimBatch(ctx, "task-1", 2)
	require.NoError(t, err)
	require.Equal(t, 2, h.budget.InFlight())

	res, err := h.d.Dispatch(ctx, task, claimed)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1, Rejected: 1}, res)
	assert.Equal(t, 1, h.budget.InFlight(), "rejected dispatch frees its slot")

	rec, err := h.store.GetRecord(ctx, "task-1", "b")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.DeviceFailed, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Contains(t, rec.LastError, fwrollout.ReasonDispatch)
	assert.Contains(t, rec.LastError, "device offline")
}

func TestDispatch_IncompatibleDeviceIsExhausted(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	bounded := fwtest.Artifact("fw-2", "2.0.0")
	bounded.MinVersion = "1.5.0"
	h.registry.Put(bounded)

	task := h.addTask(t, "task-1", 1, "a")
	claimed, err := h.d.ClaimBatch(ctx, "task-1", 1)
	require.NoError(t, err)

	res, err := h.d.Dispatch(ctx, task, claimed)
	require.NoError(t, err)
	assert.Equal(t, Result{Incompatible: 1}, res)
	assert.Empty(t, h.channel.Sends())

	rec, err := h.store.GetRecord(ctx, "task-1", "a")
	require.NoError(t, err)
	assert.Equal(t, fwrollout.DeviceFailed, rec.Status)
	assert.Equal(t, fwrollout.ReasonIncompatible, rec.LastError)
	assert.True(t, task.Exhausted(rec.AttemptCount))
}

func TestDispatch_ForceSkipsCompatibility(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	forced := fwtest.Artifact("fw-2", "2.0.0")
	forced.MinVersion = "1.5.0"
	forced.IsForce = true
	h.registry.Put(forced)

	task := h.addTask(t, "task-1", 1, "a")
	claimed, err := h.d.ClaimBatch(ctx, "task-1", 1)
	require.NoError(t, err)

	res, err := h.d.Dispatch(ctx, task, claimed)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
}

func TestDispatch_RollbackRecordUsesOwnTarget(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	bounded := fwtest.Artifact("fw-1", "1.0.0")
	bounded.MaxVersion = "1.0.0"
	h.registry.Put(bounded)

	require.NoError(t, h.store.UpsertDevice(ctx, &fwrollout.Device{ID: "a", Type: "lock", FirmwareVersion: "2.0.0"}))
	task := &fwrollout.UpgradeTask{
		ID: "rb-1", FirmwareID: "fw-2", Strategy: fwrollout.StrategyAllAtOnce, BatchSize: 1,
		Status: fwrollout.TaskCreated, RollbackOfTaskID: "task-0", CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, h.store.InsertTask(ctx, task, []*fwrollout.DeviceUpgradeRecord{
		{TaskID: "rb-1", DeviceID: "a", Status: fwrollout.DevicePending, TargetFirmwareID: "fw-1"},
	}))
	require.NoError(t, h.store.UpdateTask(ctx, fwrollout.TaskUpdate{ID: "rb-1", From: fwrollout.TaskCreated, To: fwrollout.TaskRunning, At: epoch}))

	claimed, err := h.d.ClaimBatch(ctx, "rb-1", 1)
	require.NoError(t, err)
	res, err := h.d.Dispatch(ctx, task, claimed)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res, "rollback skips the compatibility bounds")

	sends := h.channel.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "fw-1", sends[0].Ref.FirmwareID)
	assert.Equal(t, "1.0.0", sends[0].Ref.Version)
}
