package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	fwrollout "github.com/superfly/fwrollout"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders data in a styled table format
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column) *Table {
	return &Table{
		columns: columns,
		rows:    []Row{},
		styles:  DefaultStyles(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		headerCells[i] = t.styles.TableHeader.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	for _, col := range t.columns {
		b.WriteString(t.styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			if lipgloss.Width(cell) > col.Width {
				cell = truncate(cell, col.Width)
			}
			cells[i] = lipgloss.NewStyle().Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}

	return b.String()
}

// truncate shortens plain text to width runes, ending in "..".
func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 2 {
		return string(r[:width])
	}
	return string(r[:width-2]) + ".."
}

func timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// TaskRow is a task with its progress, as listed by the CLI and monitor.
type TaskRow struct {
	Task     *fwrollout.UpgradeTask
	Progress fwrollout.Progress
}

// RenderTasksTable renders a table of tasks
func RenderTasksTable(rows []TaskRow) string {
	styles := DefaultStyles()
	var b strings.Builder

	b.WriteString(styles.Title.Render("Upgrade Tasks") + "\n")
	if len(rows) == 0 {
		b.WriteString(styles.Muted.Render("  No tasks found\n"))
		return b.String()
	}

	t := NewTable([]Column{
		{Title: "", Width: 2},
		{Title: "TASK ID", Width: 31},
		{Title: "STATUS", Width: 10},
		{Title: "FIRMWARE", Width: 16},
		{Title: "STRATEGY", Width: 12},
		{Title: "DONE", Width: 9},
		{Title: "FAILED", Width: 6},
		{Title: "CREATED", Width: 19},
	})
	for _, r := range rows {
		status := string(r.Task.Status)
		if r.Task.NeedsAttention {
			status += "!"
		}
		t.AddRow(Row{
			styles.TaskIcon(r.Task.Status),
			r.Task.ID,
			status,
			r.Task.FirmwareID,
			string(r.Task.Strategy),
			fmt.Sprintf("%d/%d", r.Progress.Success+r.Progress.RolledBack, r.Progress.Total),
			fmt.Sprintf("%d", r.Progress.Failed),
			timestamp(&r.Task.CreatedAt),
		})
	}
	b.WriteString(t.Render())
	b.WriteString(fmt.Sprintf("\n%s %d tasks\n", styles.Muted.Render("Total:"), len(rows)))
	return b.String()
}

// RenderRecordsTable renders the per-device records of one task.
func RenderRecordsTable(records []*fwrollout.DeviceUpgradeRecord) string {
	styles := DefaultStyles()
	if len(records) == 0 {
		return styles.Muted.Render("  No device records\n")
	}

	t := NewTable([]Column{
		{Title: "", Width: 2},
		{Title: "DEVICE", Width: 20},
		{Title: "STATUS", Width: 12},
		{Title: "PROGRESS", Width: 8},
		{Title: "ATTEMPTS", Width: 8},
		{Title: "PREVIOUS", Width: 10},
		{Title: "LAST ERROR", Width: 28},
	})
	for _, r := range records {
		t.AddRow(Row{
			styles.DeviceIcon(r.Status),
			r.DeviceID,
			string(r.Status),
			fmt.Sprintf("%d%%", r.ProgressPercent),
			fmt.Sprintf("%d", r.AttemptCount),
			r.PreviousFirmwareVersion,
			r.LastError,
		})
	}
	return t.Render()
}

// RenderInventoryTable renders known devices.
func RenderInventoryTable(devices []*fwrollout.Device) string {
	styles := DefaultStyles()
	var b strings.Builder
	b.WriteString(styles.Title.Render("Devices") + "\n")
	if len(devices) == 0 {
		b.WriteString(styles.Muted.Render("  No devices registered\n"))
		return b.String()
	}

	t := NewTable([]Column{
		{Title: "DEVICE", Width: 20},
		{Title: "TYPE", Width: 12},
		{Title: "MODEL", Width: 12},
		{Title: "AREA", Width: 12},
		{Title: "FIRMWARE", Width: 10},
		{Title: "LAST SEEN", Width: 19},
	})
	for _, d := range devices {
		t.AddRow(Row{d.ID, d.Type, d.Model, d.Area, d.FirmwareVersion, timestamp(&d.LastSeenAt)})
	}
	b.WriteString(t.Render())
	return b.String()
}

// RenderFirmwareTable renders registry artifacts.
func RenderFirmwareTable(artifacts []*fwrollout.FirmwareArtifact) string {
	styles := DefaultStyles()
	var b strings.Builder
	b.WriteString(styles.Title.Render("Firmware") + "\n")
	if len(artifacts) == 0 {
		b.WriteString(styles.Muted.Render("  No firmware registered\n"))
		return b.String()
	}

	t := NewTable([]Column{
		{Title: "FIRMWARE", Width: 16},
		{Title: "VERSION", Width: 10},
		{Title: "TYPE", Width: 12},
		{Title: "MODEL", Width: 12},
		{Title: "RANGE", Width: 18},
		{Title: "STATUS", Width: 10},
		{Title: "ENABLED", Width: 7},
	})
	for _, a := range artifacts {
		rng := "any"
		if a.MinVersion != "" || a.MaxVersion != "" {
			rng = fmt.Sprintf("%s..%s", a.MinVersion, a.MaxVersion)
		}
		if a.IsForce {
			rng += " (force)"
		}
		t.AddRow(Row{a.ID, a.Version, a.DeviceType, a.DeviceModel, rng, string(a.Status), fmt.Sprintf("%t", a.Enabled)})
	}
	b.WriteString(t.Render())
	return b.String()
}
