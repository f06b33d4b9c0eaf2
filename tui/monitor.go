package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	fwrollout "github.com/superfly/fwrollout"
)

// TickMsg is sent periodically to refresh the monitor
type TickMsg time.Time

// SnapshotMsg carries the result of a poll.
type SnapshotMsg struct {
	Snapshot *Snapshot
	Error    error
}

// ActionMsg reports the result of an operator action.
type ActionMsg struct {
	Action string
	TaskID string
	Error  error
}

// MonitorConfig holds configuration for the monitor.
type MonitorConfig struct {
	Title           string
	RefreshInterval time.Duration
	Fetcher         *DataFetcher

	// Controller enables the start/pause/resume/stop keys. Nil makes the
	// monitor read-only.
	Controller Controller
}

// MonitorModel is the bubbletea model for live task progress.
type MonitorModel struct {
	title           string
	refreshInterval time.Duration
	fetcher         *DataFetcher
	controller      Controller

	spinner spinner.Model
	bar     progress.Model
	styles  *Styles
	width   int

	tasks       []TaskRow
	records     []*fwrollout.DeviceUpgradeRecord
	selected    int
	showDevices bool

	lastRefresh time.Time
	lastAction  string
	err         error
	quitting    bool
}

// NewMonitorModel creates a monitor model.
func NewMonitorModel(cfg MonitorConfig) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	if cfg.Title == "" {
		cfg.Title = "Firmware Rollouts"
	}

	return &MonitorModel{
		title:           cfg.Title,
		refreshInterval: cfg.RefreshInterval,
		fetcher:         cfg.Fetcher,
		controller:      cfg.Controller,
		spinner:         s,
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(30),
		),
		styles: DefaultStyles(),
	}
}

// Init starts polling.
func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.fetch(),
		tickEvery(m.refreshInterval),
	)
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *MonitorModel) fetch() tea.Cmd {
	if m.fetcher == nil {
		return nil
	}
	selected := ""
	if m.showDevices {
		selected = m.selectedID()
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := m.fetcher.Fetch(ctx, selected)
		return SnapshotMsg{Snapshot: snap, Error: err}
	}
}

func (m *MonitorModel) act(action string, fn func(context.Context, string) error) tea.Cmd {
	id := m.selectedID()
	if id == "" || m.controller == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ActionMsg{Action: action, TaskID: id, Error: fn(ctx, id)}
	}
}

func (m *MonitorModel) selectedID() string {
	if m.selected < 0 || m.selected >= len(m.tasks) {
		return ""
	}
	return m.tasks[m.selected].Task.ID
}

// Update handles messages
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(40, msg.Width-70))

	case TickMsg:
		return m, tea.Batch(m.fetch(), tickEvery(m.refreshInterval))

	case SnapshotMsg:
		m.lastRefresh = time.Now()
		m.err = msg.Error
		if msg.Snapshot != nil {
			prev := m.selectedID()
			m.tasks = msg.Snapshot.Tasks
			m.selected = 0
			for i, r := range m.tasks {
				if r.Task.ID == prev {
					m.selected = i
				}
			}
			if msg.Snapshot.SelectedID != "" && msg.Snapshot.SelectedID == m.selectedID() {
				m.records = msg.Snapshot.Records
			} else {
				m.records = nil
			}
		}

	case ActionMsg:
		if msg.Error != nil {
			m.lastAction = m.styles.Error.Render(fmt.Sprintf("%s %s: %v", msg.Action, msg.TaskID, msg.Error))
		} else {
			m.lastAction = m.styles.Success.Render(fmt.Sprintf("%s %s", msg.Action, msg.TaskID))
		}
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *MonitorModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return tea.Quit
	case "j", "down":
		if m.selected < len(m.tasks)-1 {
			m.selected++
			m.records = nil
			return m.fetch()
		}
	case "k", "up":
		if m.selected > 0 {
			m.selected--
			m.records = nil
			return m.fetch()
		}
	case "enter", "d":
		m.showDevices = !m.showDevices
		m.records = nil
		return m.fetch()
	case "a":
		if m.fetcher != nil {
			m.fetcher.ShowFinished = !m.fetcher.ShowFinished
		}
		return m.fetch()
	case "f":
		return m.fetch()
	}

	if m.controller == nil {
		return nil
	}
	switch msg.String() {
	case "s":
		return m.act("started", m.controller.Start)
	case "p":
		return m.act("paused", m.controller.Pause)
	case "r":
		return m.act("resumed", m.controller.Resume)
	case "x":
		return m.act("stopped", m.controller.Stop)
	}
	return nil
}

// View renders the monitor.
func (m *MonitorModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	header := m.styles.Title.Render(m.title)
	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Format("15:04:05")
	}
	b.WriteString(fmt.Sprintf("%s %s %s\n", header, m.spinner.View(), m.styles.Muted.Render("updated "+refreshed)))

	if m.err != nil {
		b.WriteString(m.styles.Error.Render(fmt.Sprintf("%s %v", SymbolError, m.err)) + "\n")
	}

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("  No tasks\n"))
	}
	for i, r := range m.tasks {
		b.WriteString(m.renderTask(i == m.selected, r) + "\n")
	}

	if m.showDevices && m.selectedID() != "" {
		b.WriteString("\n" + m.styles.SectionHead.Render("Devices of "+m.selectedID()) + "\n")
		b.WriteString(RenderRecordsTable(m.records))
	}

	if m.lastAction != "" {
		b.WriteString("\n" + m.lastAction + "\n")
	}
	b.WriteString("\n" + m.renderHelp())
	return b.String()
}

func (m *MonitorModel) renderTask(selected bool, r TaskRow) string {
	cursor := "  "
	id := r.Task.ID
	if selected {
		cursor = m.styles.Selected.Render("> ")
		id = m.styles.Selected.Render(id)
	}
	p := r.Progress
	line := fmt.Sprintf("%s%s %s %-9s %s %s",
		cursor,
		m.styles.TaskIcon(r.Task.Status),
		id,
		r.Task.Status,
		m.bar.ViewAs(p.PercentComplete/100),
		m.styles.Muted.Render(fmt.Sprintf("%d ok %d failed %d active %d pending of %d",
			p.Success+p.RolledBack, p.Failed, p.InProgress, p.Pending, p.Total)),
	)
	if r.Task.NeedsAttention {
		line += "  " + m.styles.Warning.Render(SymbolWarning+" "+r.Task.AttentionReason)
	}
	if r.Task.IsRollback() {
		line += "  " + m.styles.Muted.Render(SymbolRollback+" "+r.Task.RollbackOfTaskID)
	}
	return line
}

type helpKey struct{ key, desc string }

func (m *MonitorModel) renderHelp() string {
	keys := []helpKey{{"j/k", "select"}, {"enter", "devices"}, {"a", "all tasks"}}
	if m.controller != nil {
		keys = append(keys, helpKey{"s", "start"}, helpKey{"p", "pause"}, helpKey{"r", "resume"}, helpKey{"x", "stop"})
	}
	keys = append(keys, helpKey{"q", "quit"})

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, m.styles.HelpKey.Render(k.key)+" "+m.styles.HelpDesc.Render(k.desc))
	}
	return m.styles.Help.Render(strings.Join(parts, "  "))
}
