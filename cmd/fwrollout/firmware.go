package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/registry"
	"github.com/superfly/fwrollout/tui"
)

var errReadOnlyRegistry = errors.New("the configured firmware registry is read-only; use --registry bolt")

func newFirmwareCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Manage firmware artifacts in the registry",
	}
	cmd.AddCommand(
		newFirmwareAddCmd(a),
		newFirmwareListCmd(a),
		newFirmwareEnableCmd(a, "enable", true),
		newFirmwareEnableCmd(a, "disable", false),
		newFirmwareCheckS3Cmd(a),
	)
	return cmd
}

func newFirmwareAddCmd(a *app) *cobra.Command {
	var (
		art      fwrollout.FirmwareArtifact
		status   string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Register a firmware artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			art.ID = args[0]
			art.Status = fwrollout.ArtifactStatus(strings.ToUpper(strings.TrimSpace(status)))
			art.Enabled = !disabled
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				if d.bolt == nil {
					return errReadOnlyRegistry
				}
				if err := d.bolt.Put(ctx, &art); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: registered %s\n", art.ID, art.Version)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&art.Version, "version", "", "semantic version of the firmware")
	f.StringVar(&art.DeviceType, "device-type", "", "device type the firmware runs on")
	f.StringVar(&art.DeviceModel, "device-model", "", "device model (empty matches any model)")
	f.StringVar(&art.MinVersion, "min-version", "", "lowest current version allowed to upgrade")
	f.StringVar(&art.MaxVersion, "max-version", "", "highest current version allowed to upgrade")
	f.BoolVar(&art.IsForce, "force", false, "ignore the version bounds")
	f.StringVar(&art.Checksum, "checksum", "", "artifact checksum sent with the upgrade command")
	f.StringVar(&art.URL, "url", "", "download location sent with the upgrade command")
	f.StringVar(&status, "status", string(fwrollout.ArtifactReleased), "TESTING, RELEASED or DEPRECATED")
	f.BoolVar(&disabled, "disabled", false, "register the artifact disabled")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("device-type")
	return cmd
}

func newFirmwareListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered firmware artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				lister, ok := d.registry.(interface {
					List(context.Context) ([]*fwrollout.FirmwareArtifact, error)
				})
				if !ok {
					return fmt.Errorf("registry %T cannot list artifacts", d.registry)
				}
				artifacts, err := lister.List(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), tui.RenderFirmwareTable(artifacts))
				return nil
			})
		},
	}
}

func newFirmwareEnableCmd(a *app, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a firmware artifact for new tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd, func(ctx context.Context, d *deps) error {
				if d.bolt == nil {
					return errReadOnlyRegistry
				}
				if err := d.bolt.SetEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func newFirmwareCheckS3Cmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check-s3",
		Short: "Check that the S3 registry bucket is readable with the current credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc := a.cfg.Registry
			r, err := registry.NewS3(cmd.Context(), registry.S3Config{
				Region: rc.Region,
				Bucket: rc.Bucket,
				Prefix: rc.Prefix,
			}, a.log)
			if err != nil {
				return err
			}

			checks := r.CheckAccess(cmd.Context(), timeout)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "S3 registry access for %s:\n", rc.Bucket)
			for _, c := range checks {
				status := "OK"
				if !c.Pass {
					status = "MISSING"
				}
				fmt.Fprintf(out, "- %-14s : %-7s %s\n", c.Permission, status, c.Detail)
			}
			return registry.MissingAccess(checks)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "per-request timeout")
	return cmd
}
