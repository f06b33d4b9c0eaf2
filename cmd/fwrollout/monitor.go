package main

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/superfly/fwrollout/tui"
)

func newMonitorCmd(a *app) *cobra.Command {
	var (
		refresh  time.Duration
		inline   bool
		readOnly bool
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch task progress live",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				svc := a.taskService(d)
				fetcher := tui.NewDataFetcher(svc)
				fetcher.ShowFinished = all

				cfg := tui.MonitorConfig{RefreshInterval: refresh, Fetcher: fetcher}
				if !readOnly {
					cfg.Controller = svc
				}

				opts := []tea.ProgramOption{
					tea.WithContext(ctx),
					tea.WithInput(cmd.InOrStdin()),
					tea.WithOutput(cmd.OutOrStdout()),
				}
				if !inline {
					opts = append(opts, tea.WithAltScreen())
				}
				// Logs would tear the alt screen.
				a.log.SetOutput(io.Discard)

				if _, err := tea.NewProgram(tui.NewMonitorModel(cfg), opts...).Run(); err != nil {
					return fmt.Errorf("monitor: %w", err)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.DurationVar(&refresh, "refresh", time.Second, "poll interval")
	f.BoolVar(&inline, "inline", false, "render inline instead of on the alternate screen")
	f.BoolVar(&readOnly, "read-only", false, "disable the start/pause/resume/stop keys")
	f.BoolVarP(&all, "all", "a", false, "include finished tasks")
	return cmd
}
