// Package perf provides timing utilities for scheduler ticks.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// Phase names one stage of a scheduler tick.
type Phase string

const (
	PhaseSync     Phase = "sync"
	PhaseOutcomes Phase = "outcomes"
	PhaseTimeouts Phase = "timeouts"
	PhaseTasks    Phase = "tasks"
)

var phases = []Phase{PhaseSync, PhaseOutcomes, PhaseTimeouts, PhaseTasks}

// TickMetrics accumulates phase timings and counters for one tick.
type TickMetrics struct {
	mu sync.Mutex

	durations map[Phase]time.Duration
	Total     time.Duration

	OutcomesApplied int
	OutcomesIgnored int
	TimedOut        int
	Requeued        int
	Claimed         int
	Concluded       int
}

// NewTickMetrics creates an empty tracker.
func NewTickMetrics() *TickMetrics {
	return &TickMetrics{durations: make(map[Phase]time.Duration, len(phases))}
}

// Record adds d to the phase's running time.
func (m *TickMetrics) Record(p Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[p] += d
}

// Add applies fn to the counters under the tracker's lock.
func (m *TickMetrics) Add(fn func(m *TickMetrics)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Duration returns the accumulated time of a phase.
func (m *TickMetrics) Duration(p Phase) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations[p]
}

// Fields returns the tracker as log fields.
func (m *TickMetrics) Fields() logrus.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := logrus.Fields{
		"duration_ms":      m.Total.Milliseconds(),
		"outcomes_applied": m.OutcomesApplied,
		"outcomes_ignored": m.OutcomesIgnored,
		"timed_out":        m.TimedOut,
		"requeued":         m.Requeued,
		"claimed":          m.Claimed,
		"concluded":        m.Concluded,
	}
	for _, p := range phases {
		f[string(p)+"_ms"] = m.durations[p].Milliseconds()
	}
	return f
}

// Summary returns a formatted summary of the tick.
func (m *TickMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fmt.Sprintf(`
=== Tick Metrics ===
Total Duration:     %v

Phase Durations:
  Budget sync:      %v
  Outcomes:         %v
  Timeouts:         %v
  Tasks:            %v

Counts:
  Outcomes applied: %d (ignored %d)
  Timed out:        %d
  Requeued:         %d
  Claimed:          %d
  Tasks concluded:  %d
`,
		m.Total,
		m.durations[PhaseSync],
		m.durations[PhaseOutcomes],
		m.durations[PhaseTimeouts],
		m.durations[PhaseTasks],
		m.OutcomesApplied, m.OutcomesIgnored,
		m.TimedOut,
		m.Requeued,
		m.Claimed,
		m.Concluded,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *TickMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context. The result may be nil;
// every TickMetrics method except Duration, Fields and Summary accepts nil.
func MetricsFromContext(ctx context.Context) *TickMetrics {
	m, _ := ctx.Value(contextKey{}).(*TickMetrics)
	return m
}
