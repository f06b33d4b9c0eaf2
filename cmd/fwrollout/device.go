package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/tui"
)

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device inventory",
	}

	var dev fwrollout.Device
	add := &cobra.Command{
		Use:   "add ID",
		Short: "Add or update a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev.ID = args[0]
			dev.LastSeenAt = time.Now().UTC()
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				if err := d.store.UpsertDevice(ctx, &dev); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", dev.ID, dev.Type, dev.FirmwareVersion)
				return nil
			})
		},
	}
	f := add.Flags()
	f.StringVar(&dev.Type, "type", "", "device type")
	f.StringVar(&dev.Model, "model", "", "device model")
	f.StringVar(&dev.Area, "area", "", "area the device is installed in")
	f.StringVar(&dev.FirmwareVersion, "firmware-version", "", "firmware version currently installed")
	_ = add.MarkFlagRequired("type")
	_ = add.MarkFlagRequired("firmware-version")

	var filter fwrollout.DeviceFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				devices, err := d.store.ListDevices(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), tui.RenderInventoryTable(devices))
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter.Type, "type", "", "only devices of this type")
	list.Flags().StringVar(&filter.Area, "area", "", "only devices in this area")

	cmd.AddCommand(add, list)
	return cmd
}
