package perf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickMetrics(t *testing.T) {
	m := NewTickMetrics()
	m.Record(PhaseOutcomes, 3*time.Millisecond)
	m.Record(PhaseOutcomes, 2*time.Millisecond)
	m.Add(func(m *TickMetrics) {
		m.OutcomesApplied += 4
		m.Claimed += 2
	})

	assert.Equal(t, 5*time.Millisecond, m.Duration(PhaseOutcomes))
	assert.Zero(t, m.Duration(PhaseTasks))

	f := m.Fields()
	assert.Equal(t, int64(5), f["outcomes_ms"])
	assert.Equal(t, 4, f["outcomes_applied"])
	assert.Contains(t, m.Summary(), "Claimed:          2")
}

func TestTickMetrics_NilSafe(t *testing.T) {
	var m *TickMetrics
	m.Record(PhaseSync, time.Second)
	m.Add(func(m *TickMetrics) { m.Claimed++ })
}

func TestMetricsFromContext(t *testing.T) {
	assert.Nil(t, MetricsFromContext(context.Background()))

	m := NewTickMetrics()
	ctx := WithMetrics(context.Background(), m)
	assert.Same(t, m, MetricsFromContext(ctx))
}

func TestTimer(t *testing.T) {
	timer := Start("noop", nil)
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))
	assert.GreaterOrEqual(t, Start("noop", nil).StopWithThreshold(time.Hour), time.Duration(0))
}
