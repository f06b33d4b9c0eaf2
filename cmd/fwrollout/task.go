package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/tasks"
	"github.com/superfly/fwrollout/tui"
)

func (a *app) taskService(d *deps) *tasks.Service {
	return tasks.New(tasks.Config{Store: d.store, Registry: d.registry, Logger: a.log})
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and control upgrade tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskListCmd(a),
		newTaskShowCmd(a),
		newTaskDevicesCmd(a),
		newTaskProgressCmd(a),
		newTaskRetryCmd(a),
		newTaskDeleteCmd(a),
		newTaskGCCmd(a),
	)

	transitions := []struct {
		use   string
		short string
		fn    func(*tasks.Service) func(context.Context, string) error
	}{
		{"start", "Start a CREATED task", func(s *tasks.Service) func(context.Context, string) error { return s.Start }},
		{"pause", "Pause a RUNNING task", func(s *tasks.Service) func(context.Context, string) error { return s.Pause }},
		{"resume", "Resume a PAUSED task", func(s *tasks.Service) func(context.Context, string) error { return s.Resume }},
		{"stop", "Stop a RUNNING or PAUSED task", func(s *tasks.Service) func(context.Context, string) error { return s.Stop }},
	}
	for _, t := range transitions {
		cmd.AddCommand(&cobra.Command{
			Use:   t.use + " TASK_ID",
			Short: t.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
					if err := t.fn(a.taskService(d))(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], t.use)
					return nil
				})
			},
		})
	}
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		req        tasks.CreateTaskRequest
		strategy   string
		devices    []string
		deviceType string
		area       string
		start      bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an upgrade task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := fwrollout.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			req.Strategy = s
			req.Selector = fwrollout.DeviceSelector{DeviceIDs: devices, DeviceType: deviceType, Area: area}

			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				svc := a.taskService(d)
				id, err := svc.CreateTask(ctx, req)
				if err != nil {
					return err
				}
				if start {
					if err := svc.Start(ctx, id); err != nil {
						return fmt.Errorf("task %s created but not started: %w", id, err)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.FirmwareID, "firmware", "", "firmware artifact id")
	f.StringVar(&strategy, "strategy", string(fwrollout.StrategyBatch), "ALL_AT_ONCE, BATCH or CANARY")
	f.IntVar(&req.BatchSize, "batch-size", 10, "devices per batch")
	f.IntVar(&req.CanarySize, "canary-size", 1, "devices in the canary batch")
	f.IntVar(&req.BatchIntervalSeconds, "batch-interval", 0, "seconds between batches")
	f.IntVar(&req.MaxRetries, "max-retries", 2, "retries per device after the first attempt")
	f.IntVar(&req.FailureThresholdPercent, "failure-threshold", 10, "percent of devices that may fail before the task pauses")
	f.StringSliceVar(&devices, "device", nil, "device id (repeatable)")
	f.StringVar(&deviceType, "device-type", "", "select every device of this type")
	f.StringVar(&area, "area", "", "with --device-type, only devices in this area")
	f.BoolVar(&start, "start", false, "start the task right away")
	_ = cmd.MarkFlagRequired("firmware")
	return cmd
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []fwrollout.TaskStatus
			for _, s := range statuses {
				st, err := fwrollout.ParseTaskStatus(s)
				if err != nil {
					return err
				}
				filter = append(filter, st)
			}
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				fetcher := tui.NewDataFetcher(a.taskService(d))
				fetcher.ShowFinished = all || len(filter) > 0
				snap, err := fetcher.Fetch(ctx, "")
				if err != nil {
					return err
				}
				rows := snap.Tasks
				if len(filter) > 0 {
					rows = nil
					for _, r := range snap.Tasks {
						if slices.Contains(filter, r.Task.Status) {
							rows = append(rows, r)
						}
					}
				}
				fmt.Fprint(cmd.OutOrStdout(), tui.RenderTasksTable(rows))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only tasks in these statuses")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include finished tasks")
	return cmd
}

func newTaskShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show a task with its progress as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				detail, err := a.taskService(d).GetTaskDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, detail)
			})
		},
	}
}

func newTaskDevicesCmd(a *app) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "devices TASK_ID",
		Short: "List a task's device records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []fwrollout.DeviceStatus
			for _, s := range statuses {
				filter = append(filter, fwrollout.DeviceStatus(strings.ToUpper(strings.TrimSpace(s))))
			}
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				records, err := a.taskService(d).GetTaskDevices(ctx, args[0], filter...)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), tui.RenderRecordsTable(records))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only records in these statuses")
	return cmd
}

func newTaskProgressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "progress TASK_ID",
		Short: "Print a task's progress tally as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				p, err := a.taskService(d).GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, p)
			})
		},
	}
}

func newTaskRetryCmd(a *app) *cobra.Command {
	var opts tasks.RetryOptions
	cmd := &cobra.Command{
		Use:   "retry TASK_ID",
		Short: "Requeue a task's failed devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				n, err := a.taskService(d).RetryFailedDevices(ctx, args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d device(s) requeued\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "also requeue devices that used up their retries; resets their attempt count and bypasses the retry bound")
	return cmd
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a CREATED or finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				if err := a.taskService(d).Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted\n", args[0])
				return nil
			})
		},
	}
}

func newTaskGCCmd(a *app) *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete finished tasks that have not changed for a while",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dryRun == force {
				return fmt.Errorf("specify exactly one of --dry-run or --force")
			}
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				ids, err := a.taskService(d).PurgeFinished(ctx, olderThan, dryRun)
				verb := "deleted"
				if dryRun {
					verb = "would delete"
				}
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, verb)
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum time since the task last changed")
	f.BoolVar(&dryRun, "dry-run", false, "list the tasks without deleting them")
	f.BoolVar(&force, "force", false, "delete the tasks")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
