// Package tui renders rollout state in the terminal: a live bubbletea
// monitor and plain tables for the CLI.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	fwrollout "github.com/superfly/fwrollout"
)

// Color palette for consistent theming
var (
	ColorPrimary    = lipgloss.Color("#7D56F4") // Purple
	ColorSecondary  = lipgloss.Color("#6C757D") // Gray
	ColorSuccess    = lipgloss.Color("#28A745") // Green
	ColorWarning    = lipgloss.Color("#FFC107") // Yellow
	ColorError      = lipgloss.Color("#DC3545") // Red
	ColorInfo       = lipgloss.Color("#17A2B8") // Blue
	ColorMuted      = lipgloss.Color("#6C757D") // Muted gray
	ColorForeground = lipgloss.Color("#CDD6F4") // Light foreground
)

// Status indicator symbols
const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolPaused     = "‖"
	SymbolRollback   = "↺"
	SymbolBullet     = "•"
)

// Styles provides consistent styling across the TUI
type Styles struct {
	Title       lipgloss.Style
	Subtitle    lipgloss.Style
	SectionHead lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style

	Panel       lipgloss.Style
	ActivePanel lipgloss.Style
	Selected    lipgloss.Style

	TableHeader lipgloss.Style
	TableRow    lipgloss.Style
	TableCell   lipgloss.Style

	Help     lipgloss.Style
	HelpKey  lipgloss.Style
	HelpDesc lipgloss.Style
}

// DefaultStyles returns the default style configuration
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorForeground),

		SectionHead: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(ColorSecondary).
			MarginBottom(1),

		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSecondary).
			Padding(0, 1),

		ActivePanel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(0, 1),

		Selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary),

		TableRow: lipgloss.NewStyle().
			Foreground(ColorForeground),

		TableCell: lipgloss.NewStyle().
			PaddingRight(2),

		Help: lipgloss.NewStyle().
			Foreground(ColorMuted),

		HelpKey: lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorInfo),

		HelpDesc: lipgloss.NewStyle().
			Foreground(ColorMuted),
	}
}

// TaskIcon returns a styled icon for a task status.
func (s *Styles) TaskIcon(status fwrollout.TaskStatus) string {
	switch status {
	case fwrollout.TaskCompleted:
		return s.Success.Render(SymbolSuccess)
	case fwrollout.TaskFailed:
		return s.Error.Render(SymbolError)
	case fwrollout.TaskPaused:
		return s.Warning.Render(SymbolPaused)
	case fwrollout.TaskRunning:
		return s.Info.Render(SymbolInProgress)
	case fwrollout.TaskCreated:
		return s.Muted.Render(SymbolPending)
	case fwrollout.TaskStopped:
		return s.Muted.Render(SymbolError)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// DeviceIcon returns a styled icon for a device record status.
func (s *Styles) DeviceIcon(status fwrollout.DeviceStatus) string {
	switch status {
	case fwrollout.DeviceSuccess:
		return s.Success.Render(SymbolSuccess)
	case fwrollout.DeviceFailed:
		return s.Error.Render(SymbolError)
	case fwrollout.DeviceDownloading, fwrollout.DeviceInstalling:
		return s.Info.Render(SymbolInProgress)
	case fwrollout.DevicePending:
		return s.Muted.Render(SymbolPending)
	case fwrollout.DeviceRolledBack:
		return s.Warning.Render(SymbolRollback)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatDuration formats duration into a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
