// Package metrics holds the Prometheus collectors for the rollout engine.
//
// Every method is safe on a nil *Metrics, so components can be built without
// metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fwrollout "github.com/superfly/fwrollout"
)

const namespace = "fwrollout"

// Metrics groups the engine's collectors.
type Metrics struct {
	Claimed         prometheus.Counter
	Dispatches      *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	Timeouts        prometheus.Counter
	Retries         prometheus.Counter
	TaskTransitions *prometheus.CounterVec
	Ticks           *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	InFlight        prometheus.Gauge
	InboxDepth      prometheus.Gauge
	InboxRejected   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_claimed_total",
			Help:      "Device records moved from PENDING to DOWNLOADING.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Upgrade command dispatch attempts by result.",
		}, []string{"result"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Device outcome reports by reported status and whether they were applied.",
		}, []string{"status", "applied"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_timeouts_total",
			Help:      "In-flight records failed for exceeding the device timeout.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_retries_total",
			Help:      "FAILED records requeued to PENDING.",
		}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Scheduler-driven task status changes by target status.",
		}, []string{"to"}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_dispatches",
			Help:      "DOWNLOADING and INSTALLING records across all tasks, as of the last tick.",
		}),
		InboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbox_depth",
			Help:      "Outcome reports waiting for the next tick.",
		}),
		InboxRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_rejected_total",
			Help:      "Outcome reports rejected because the inbox was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Claimed, m.Dispatches, m.Outcomes, m.Timeouts, m.Retries,
			m.TaskTransitions, m.Ticks, m.TickDuration, m.InFlight,
			m.InboxDepth, m.InboxRejected,
		)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveClaim(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Claimed.Add(float64(n))
}

// Dispatch results.
const (
	DispatchSent         = "sent"
	DispatchRejected     = "rejected"
	DispatchIncompatible = "incompatible"
)

func (m *Metrics) ObserveDispatch(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveOutcome(status fwrollout.DeviceStatus, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.Outcomes.WithLabelValues(string(status), a).Inc()
}

func (m *Metrics) ObserveTimeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

func (m *Metrics) ObserveRetries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Retries.Add(float64(n))
}

func (m *Metrics) ObserveTaskTransition(to fwrollout.TaskStatus) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) SetInboxDepth(n int) {
	if m == nil {
		return
	}
	m.InboxDepth.Set(float64(n))
}

func (m *Metrics) ObserveInboxRejected() {
	if m == nil {
		return
	}
	m.InboxRejected.Inc()
}
