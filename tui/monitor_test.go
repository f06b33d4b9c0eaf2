package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
)

type fakeSource struct {
	tasks   []*fwrollout.UpgradeTask
	records map[string][]*fwrollout.DeviceUpgradeRecord
	filter  []fwrollout.TaskStatus
}

func (f *fakeSource) ListTasks(_ context.Context, statuses ...fwrollout.TaskStatus) ([]*fwrollout.UpgradeTask, error) {
	f.filter = statuses
	return f.tasks, nil
}

func (f *fakeSource) GetProgress(_ context.Context, taskID string) (fwrollout.Progress, error) {
	recs := f.records[taskID]
	p := fwrollout.Progress{Total: len(recs)}
	for _, r := range recs {
		if r.Status == fwrollout.DeviceSuccess {
			p.Success++
		}
	}
	if p.Total > 0 {
		p.PercentComplete = float64(p.Success) * 100 / float64(p.Total)
	}
	return p, nil
}

func (f *fakeSource) GetTaskDevices(_ context.Context, taskID string, _ ...fwrollout.DeviceStatus) ([]*fwrollout.DeviceUpgradeRecord, error) {
	return f.records[taskID], nil
}

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) record(action string) func(context.Context, string) error {
	return func(_ context.Context, id string) error {
		f.calls = append(f.calls, action+":"+id)
		return f.err
	}
}

func (f *fakeController) Start(ctx context.Context, id string) error  { return f.record("start")(ctx, id) }
func (f *fakeController) Pause(ctx context.Context, id string) error  { return f.record("pause")(ctx, id) }
func (f *fakeController) Resume(ctx context.Context, id string) error { return f.record("resume")(ctx, id) }
func (f *fakeController) Stop(ctx context.Context, id string) error   { return f.record("stop")(ctx, id) }

func newSource() *fakeSource {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeSource{
		tasks: []*fwrollout.UpgradeTask{
			{ID: "older", Status: fwrollout.TaskPaused, NeedsAttention: true, AttentionReason: "failure threshold exceeded", CreatedAt: now},
			{ID: "newer", Status: fwrollout.TaskRunning, CreatedAt: now.Add(time.Minute)},
		},
		records: map[string][]*fwrollout.DeviceUpgradeRecord{
			"newer": {
				{TaskID: "newer", DeviceID: "lock-1", Status: fwrollout.DeviceSuccess, ProgressPercent: 100},
				{TaskID: "newer", DeviceID: "lock-2", Status: fwrollout.DeviceInstalling, ProgressPercent: 40},
			},
		},
	}
}

// run executes a command and feeds its message back into the model.
func run(t *testing.T, m *MonitorModel, cmd tea.Cmd) tea.Msg {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	m.Update(msg)
	return msg
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestFetchOrdersNewestFirst(t *testing.T) {
	src := newSource()
	f := NewDataFetcher(src)

	snap, err := f.Fetch(context.Background(), "newer")
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "newer", snap.Tasks[0].Task.ID)
	assert.Equal(t, 2, snap.Tasks[0].Progress.Total)
	assert.Len(t, snap.Records, 2)
	assert.Equal(t, []fwrollout.TaskStatus{fwrollout.TaskCreated, fwrollout.TaskRunning, fwrollout.TaskPaused}, src.filter)

	f.ShowFinished = true
	_, err = f.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, src.filter)
}

func TestMonitorRendersTasks(t *testing.T) {
	m := NewMonitorModel(MonitorConfig{Fetcher: NewDataFetcher(newSource())})
	run(t, m, m.fetch())

	view := m.View()
	assert.Contains(t, view, "newer")
	assert.Contains(t, view, "older")
	assert.Contains(t, view, "failure threshold exceeded")
	assert.Contains(t, view, "1 ok 0 failed")
	assert.NotContains(t, view, "lock-1")

	// Toggle the device view for the selected (newest) task.
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	run(t, m, cmd)
	view = m.View()
	assert.Contains(t, view, "lock-1")
	assert.Contains(t, view, "INSTALLING")
}

func TestMonitorSelectionAndActions(t *testing.T) {
	ctrl := &fakeController{}
	m := NewMonitorModel(MonitorConfig{Fetcher: NewDataFetcher(newSource()), Controller: ctrl})
	run(t, m, m.fetch())
	assert.Equal(t, "newer", m.selectedID())

	_, cmd := m.Update(key("j"))
	run(t, m, cmd)
	assert.Equal(t, "older", m.selectedID(), "selection survives a refresh")

	_, cmd = m.Update(key("r"))
	msg := cmd()
	assert.Equal(t, ActionMsg{Action: "resumed", TaskID: "older"}, msg)
	m.Update(msg)
	assert.Contains(t, m.View(), "resumed older")

	_, cmd = m.Update(key("k"))
	run(t, m, cmd)
	ctrl.err = errors.New("illegal transition")
	_, cmd = m.Update(key("x"))
	m.Update(cmd())
	assert.Equal(t, []string{"resume:older", "stop:newer"}, ctrl.calls)
	assert.Contains(t, m.View(), "illegal transition")
}

func TestReadOnlyMonitorIgnoresActions(t *testing.T) {
	m := NewMonitorModel(MonitorConfig{Fetcher: NewDataFetcher(newSource())})
	run(t, m, m.fetch())
	_, cmd := m.Update(key("p"))
	assert.Nil(t, cmd)
	assert.NotContains(t, m.View(), "pause")
}

func TestQuit(t *testing.T) {
	m := NewMonitorModel(MonitorConfig{})
	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Empty(t, m.View())
}

func TestRenderTables(t *testing.T) {
	out := RenderTasksTable(nil)
	assert.Contains(t, out, "No tasks found")

	out = RenderInventoryTable([]*fwrollout.Device{{ID: "lock-1", Type: "lock", FirmwareVersion: "1.0.0"}})
	assert.Contains(t, out, "lock-1")
	assert.Contains(t, out, "1.0.0")

	out = RenderFirmwareTable([]*fwrollout.FirmwareArtifact{{ID: "fw-2", Version: "2.0.0", MinVersion: "1.0.0", IsForce: true, Enabled: true}})
	assert.Contains(t, out, "1.0.0..")
	assert.Contains(t, out, "(force)")

	assert.Equal(t, "abcd..", truncate("abcdefgh", 6))
	assert.Equal(t, "abc", truncate("abc", 6))
}
