package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/rollback"
	"github.com/superfly/fwrollout/tui"
)

func (a *app) rollbackPlanner(d *deps) *rollback.Planner {
	return rollback.New(rollback.Config{Store: d.store, Registry: d.registry, Logger: a.log})
}

func newRollbackCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Return a task's upgraded devices to their previous firmware",
	}

	var start bool
	create := &cobra.Command{
		Use:   "create TASK_ID",
		Short: "Create a rollback task for a finished upgrade task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				id, err := a.rollbackPlanner(d).CreateRollbackTask(ctx, args[0])
				if err != nil {
					return err
				}
				if start {
					if err := a.taskService(d).Start(ctx, id); err != nil {
						return fmt.Errorf("rollback task %s created but not started: %w", id, err)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	create.Flags().BoolVar(&start, "start", false, "start the rollback task right away")

	check := &cobra.Command{
		Use:   "check TASK_ID",
		Short: "Show which devices a rollback would return, and to what",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				plan, err := a.rollbackPlanner(d).Plan(ctx, args[0])
				if errors.Is(err, fwrollout.ErrRollbackNotSupported) {
					fmt.Fprintln(cmd.OutOrStdout(), err)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderPlan(plan))
				return nil
			})
		},
	}

	cmd.AddCommand(create, check)
	return cmd
}

func renderPlan(plan *rollback.Plan) string {
	t := tui.NewTable([]tui.Column{
		{Title: "DEVICE", Width: 20},
		{Title: "FROM", Width: 14},
		{Title: "TO", Width: 14},
		{Title: "FIRMWARE", Width: 28},
	})
	for _, id := range plan.DeviceIDs() {
		target, _ := plan.Target(id)
		t.AddRow(tui.Row{id, target.From, target.Version, target.FirmwareID})
	}
	return t.Render()
}
