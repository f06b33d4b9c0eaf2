package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveClaim(3)
	m.ObserveDispatch(DispatchSent)
	m.ObserveOutcome(fwrollout.DeviceSuccess, true)
	m.ObserveTick(time.Second, nil)
	m.SetInFlight(4)
	m.ObserveInboxRejected()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveClaim(2)
	m.ObserveClaim(0)
	m.ObserveDispatch(DispatchSent)
	m.ObserveDispatch(DispatchSent)
	m.ObserveDispatch(DispatchIncompatible)
	m.ObserveOutcome(fwrollout.DeviceFailed, true)
	m.ObserveOutcome(fwrollout.DeviceFailed, false)
	m.ObserveTick(10*time.Millisecond, errors.New("boom"))
	m.SetInFlight(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Claimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatches.WithLabelValues(DispatchSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues(DispatchIncompatible)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("FAILED", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.InFlight))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveClaim(1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fwrollout_records_claimed_total 1"))
}
