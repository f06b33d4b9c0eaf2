package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/superfly/fwrollout/gateway"
	"github.com/superfly/fwrollout/simulator"
)

func newSimulateDeviceCmd(a *app) *cobra.Command {
	var (
		url         string
		devices     []string
		failureRate float64
		failDevices []string
		stepDelay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate-device",
		Short: "Connect simulated devices to a running daemon's gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(devices) == 0 {
				return fmt.Errorf("at least one --device is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sim := simulator.New(simulator.Config{
				Logger:      a.log,
				StepDelay:   stepDelay,
				FailureRate: failureRate,
				FailDevices: failDevices,
				Seed:        uint64(time.Now().UnixNano()),
			})

			g, ctx := errgroup.WithContext(ctx)
			for _, id := range devices {
				client, err := gateway.NewClient(gateway.ClientConfig{
					URL:      url,
					DeviceID: id,
					Install:  sim.Install(id),
					Logger:   a.log,
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return client.Run(ctx) })
			}
			a.log.WithField("devices", len(devices)).Info("simulated devices connecting")

			err := g.Wait()
			sim.Wait()
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "gateway", "ws://localhost:8081/ws", "gateway websocket URL")
	f.StringSliceVar(&devices, "device", nil, "device id to simulate (repeatable)")
	f.Float64Var(&failureRate, "failure-rate", 0, "probability that an install fails")
	f.StringSliceVar(&failDevices, "fail-device", nil, "device id whose installs always fail (repeatable)")
	f.DurationVar(&stepDelay, "step-delay", time.Second, "delay between progress reports")
	return cmd
}
