package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/config"
	"github.com/superfly/fwrollout/dispatch"
	"github.com/superfly/fwrollout/gateway"
	"github.com/superfly/fwrollout/metrics"
	"github.com/superfly/fwrollout/safeguards"
	"github.com/superfly/fwrollout/scheduler"
	"github.com/superfly/fwrollout/simulator"
)

func newDaemonCmd(a *app) *cobra.Command {
	var (
		simulate    bool
		failureRate float64
		stepDelay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler workers, device gateway and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDaemon(cmd, daemonOptions{
				simulate:    simulate,
				failureRate: failureRate,
				stepDelay:   stepDelay,
			})
		},
	}
	d := config.Default()
	f := cmd.Flags()
	f.Duration("interval", d.Scheduler.Interval, "scheduler tick interval")
	f.Duration("device-timeout", d.Scheduler.DeviceTimeout, "fail in-flight devices with no report after this long (negative disables)")
	f.Int("max-concurrent", d.Scheduler.MaxConcurrentDispatches, "fleet-wide cap on in-flight devices (0 = unlimited)")
	f.Int("workers", d.Scheduler.Workers, "scheduler workers sharing the store")
	f.String("gateway-addr", d.Gateway.Addr, "device gateway listen address")
	f.String("metrics-addr", d.Metrics.Addr, "Prometheus metrics listen address (empty disables)")
	f.BoolVar(&simulate, "simulate", false, "deliver upgrades to an in-process device simulator instead of the gateway")
	f.Float64Var(&failureRate, "sim-failure-rate", 0, "simulated install failure probability")
	f.DurationVar(&stepDelay, "sim-step-delay", time.Second, "delay between simulated progress reports")
	return cmd
}

type daemonOptions struct {
	simulate    bool
	failureRate float64
	stepDelay   time.Duration
}

func (a *app) runDaemon(cmd *cobra.Command, opts daemonOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := a.log
	sc := a.cfg.Scheduler
	log.WithFields(logrus.Fields{
		"store":          a.cfg.Store.Backend,
		"registry":       a.cfg.Registry.Backend,
		"workers":        sc.Workers,
		"interval":       sc.Interval,
		"max_concurrent": sc.MaxConcurrentDispatches,
	}).Info("starting daemon")

	d, err := a.initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer d.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	inbox := scheduler.NewInbox(sc.InboxSize, m)
	budget := safeguards.NewDispatchBudget(safeguards.BudgetConfig{
		MaxConcurrent: sc.MaxConcurrentDispatches,
		Logger:        log,
	})
	if err := budget.Sync(ctx, d.store); err != nil {
		return fmt.Errorf("failed to sync dispatch budget: %w", err)
	}

	var channel fwrollout.DeviceChannel
	var hub *gateway.Hub
	if opts.simulate {
		channel = simulator.New(simulator.Config{
			Sink:        inbox,
			Logger:      log,
			StepDelay:   opts.stepDelay,
			FailureRate: opts.failureRate,
			Seed:        uint64(time.Now().UnixNano()),
		})
		log.Warn("simulating devices; no upgrade commands leave this process")
	} else {
		hub = gateway.NewHub(gateway.HubConfig{Sink: inbox, Logger: log})
		channel = hub
	}

	dispatcher := dispatch.New(dispatch.Config{
		Store:           d.store,
		Registry:        d.registry,
		Channel:         channel,
		Budget:          budget,
		Metrics:         m,
		Logger:          log,
		SendConcurrency: sc.SendConcurrency,
	})

	g, ctx := errgroup.WithContext(ctx)

	// Only the first worker drains the inbox, so one device's reports are
	// applied in the order they arrived. The others claim, dispatch and
	// expire timeouts.
	for i := range sc.Workers {
		workerInbox := inbox
		if i > 0 {
			workerInbox = scheduler.NewInbox(1, nil)
		}
		s := scheduler.New(scheduler.Config{
			Store:              d.store,
			Registry:           d.registry,
			Dispatcher:         dispatcher,
			Inbox:              workerInbox,
			Budget:             budget,
			Metrics:            m,
			Logger:             log.WithField("worker", i),
			Interval:           sc.Interval,
			DeviceTimeout:      sc.DeviceTimeout,
			MaxOutcomesPerTick: sc.MaxOutcomesPerTick,
		})
		g.Go(func() error { return s.Run(ctx) })
	}

	if hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		serve(ctx, g, log, "gateway", a.cfg.Gateway.Addr, mux)
		g.Go(func() error {
			<-ctx.Done()
			return hub.Close()
		})
	}
	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		serve(ctx, g, log, "metrics", a.cfg.Metrics.Addr, mux)
	}

	log.Info("daemon started successfully")
	err = g.Wait()
	log.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve runs an HTTP server in g until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, log logrus.FieldLogger, name, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.WithFields(logrus.Fields{"server": name, "addr": addr}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
