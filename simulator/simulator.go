// Package simulator stands in for a device fleet. A Simulator either
// receives upgrade commands directly as a loopback fwrollout.DeviceChannel
// or runs behind a gateway.Client as its Installer.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// ErrUnreachable is returned for devices configured as offline.
var ErrUnreachable = errors.New("device unreachable")

// Config configures a Simulator.
type Config struct {
	// Sink receives loopback reports. Only SendUpgradeCommand needs it.
	Sink   fwrollout.OutcomeSink
	Logger logrus.FieldLogger

	// StepDelay is the pause between progress reports.
	StepDelay time.Duration

	// FailureRate is the probability in [0,1] that an install fails.
	FailureRate float64

	// FailDevices always fail; Offline devices reject the command.
	FailDevices []string
	Offline     []string

	Seed uint64
}

// Simulator plays the device side of an upgrade.
type Simulator struct {
	sink      fwrollout.OutcomeSink
	logger    logrus.FieldLogger
	stepDelay time.Duration
	rate      float64
	fail      map[string]bool
	offline   map[string]bool

	mu  sync.Mutex
	rng *rand.Rand

	wg sync.WaitGroup
}

// New creates a Simulator.
func New(cfg Config) *Simulator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	s := &Simulator{
		sink:      cfg.Sink,
		logger:    cfg.Logger.WithField("component", "simulator"),
		stepDelay: cfg.StepDelay,
		rate:      min(max(cfg.FailureRate, 0), 1),
		fail:      make(map[string]bool, len(cfg.FailDevices)),
		offline:   make(map[string]bool, len(cfg.Offline)),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, id := range cfg.FailDevices {
		s.fail[id] = true
	}
	for _, id := range cfg.Offline {
		s.offline[id] = true
	}
	return s
}

// SendUpgradeCommand starts a simulated install that reports into the sink.
func (s *Simulator) SendUpgradeCommand(ctx context.Context, deviceID string, ref fwrollout.ArtifactRef) error {
	if s.sink == nil {
		return errors.New("simulator has no outcome sink")
	}
	if s.offline[deviceID] {
		return fmt.Errorf("%w: %s", ErrUnreachable, deviceID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The command outlives the dispatch call that sent it.
		ctx := context.WithoutCancel(ctx)
		s.install(ctx, deviceID, ref, func(o fwrollout.Outcome) error {
			o.TaskID = ref.TaskID
			o.DeviceID = deviceID
			return s.sink.ReportOutcome(ctx, o)
		})
	}()
	return nil
}

// Install returns a gateway.Installer that simulates installs on deviceID.
func (s *Simulator) Install(deviceID string) func(context.Context, fwrollout.ArtifactRef, func(fwrollout.Outcome) error) {
	return func(ctx context.Context, ref fwrollout.ArtifactRef, report func(fwrollout.Outcome) error) {
		s.install(ctx, deviceID, ref, report)
	}
}

// Wait blocks until every loopback install has reported.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

func (s *Simulator) failNext(deviceID string) bool {
	if s.fail[deviceID] {
		return true
	}
	if s.rate == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.rate
}

func (s *Simulator) install(ctx context.Context, deviceID string, ref fwrollout.ArtifactRef, report func(fwrollout.Outcome) error) {
	logger := s.logger.WithFields(logrus.Fields{
		"task_id":   ref.TaskID,
		"device_id": deviceID,
		"version":   ref.Version,
	})

	steps := []fwrollout.Outcome{
		{Status: fwrollout.DeviceDownloading, ProgressPercent: 0},
		{Status: fwrollout.DeviceDownloading, ProgressPercent: 50},
		{Status: fwrollout.DeviceInstalling, ProgressPercent: 80},
	}
	for _, o := range steps {
		if err := report(o); err != nil {
			logger.WithError(err).Warn("progress report failed")
		}
		if !s.sleep(ctx) {
			return
		}
	}

	final := fwrollout.Outcome{Status: fwrollout.DeviceSuccess, ProgressPercent: 100}
	if s.failNext(deviceID) {
		final = fwrollout.Outcome{Status: fwrollout.DeviceFailed, ErrorMessage: "simulated install failure"}
	}
	if err := report(final); err != nil {
		logger.WithError(err).Error("final report failed")
		return
	}
	logger.WithField("status", final.Status).Debug("simulated install finished")
}

func (s *Simulator) sleep(ctx context.Context) bool {
	if s.stepDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.stepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
