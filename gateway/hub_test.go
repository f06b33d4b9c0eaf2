package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/fwtest"
)

type sink struct {
	mu       sync.Mutex
	rejectN  int
	received chan fwrollout.Outcome
}

func newSink() *sink {
	return &sink{received: make(chan fwrollout.Outcome, 32)}
}

func (s *sink) ReportOutcome(_ context.Context, o fwrollout.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectN > 0 {
		s.rejectN--
		return fwrollout.ErrInboxFull
	}
	s.received <- o
	return nil
}

func (s *sink) next(t *testing.T) fwrollout.Outcome {
	t.Helper()
	select {
	case o := <-s.received:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return fwrollout.Outcome{}
	}
}

func startHub(t *testing.T, s fwrollout.OutcomeSink) (*Hub, string) {
	t.Helper()
	hub := NewHub(HubConfig{Sink: s, Logger: fwtest.Logger()})
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connect(t *testing.T, hub *Hub, url, deviceID string, install Installer) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		URL: url, DeviceID: deviceID, Install: install,
		Logger: fwtest.Logger(), ResendDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return hub.Connected(deviceID) && c.Connected() },
		5*time.Second, 10*time.Millisecond)
	return c
}

func TestUpgradeRoundTrip(t *testing.T) {
	s := newSink()
	hub, url := startHub(t, s)

	refs := make(chan fwrollout.ArtifactRef, 1)
	connect(t, hub, url, "dev-1", func(ctx context.Context, ref fwrollout.ArtifactRef, report func(fwrollout.Outcome) error) {
		refs <- ref
		_ = report(fwrollout.Outcome{Status: fwrollout.DeviceInstalling, ProgressPercent: 50})
		_ = report(fwrollout.Outcome{Status: fwrollout.DeviceSuccess})
	})
	assert.Equal(t, []string{"dev-1"}, hub.Devices())

	ref := fwrollout.ArtifactRef{TaskID: "task-1", FirmwareID: "fw-2", Version: "2.0.0", Checksum: "md5-fw-2"}
	require.NoError(t, hub.SendUpgradeCommand(context.Background(), "dev-1", ref))

	select {
	case got := <-refs:
		assert.Equal(t, ref, got)
	case <-time.After(5 * time.Second):
		t.Fatal("device never received the upgrade")
	}

	first := s.next(t)
	assert.Equal(t, "task-1", first.TaskID)
	assert.Equal(t, "dev-1", first.DeviceID)
	assert.Equal(t, fwrollout.DeviceInstalling, first.Status)
	assert.Equal(t, 50, first.ProgressPercent)
	assert.False(t, first.ReceivedAt.IsZero())

	second := s.next(t)
	assert.Equal(t, fwrollout.DeviceSuccess, second.Status)
}

func TestSendToOfflineDevice(t *testing.T) {
	hub, _ := startHub(t, newSink())
	err := hub.SendUpgradeCommand(context.Background(), "ghost", fwrollout.ArtifactRef{TaskID: "t"})
	assert.True(t, errors.Is(err, ErrDeviceOffline))
}

func TestRejectedReportIsResent(t *testing.T) {
	s := newSink()
	s.rejectN = 1
	hub, url := startHub(t, s)

	c := connect(t, hub, url, "dev-1", func(context.Context, fwrollout.ArtifactRef, func(fwrollout.Outcome) error) {})
	require.NoError(t, c.Report(context.Background(), fwrollout.Outcome{
		TaskID: "task-1", Status: fwrollout.DeviceFailed, ErrorMessage: "flash error",
	}))

	o := s.next(t)
	assert.Equal(t, "task-1", o.TaskID)
	assert.Equal(t, "dev-1", o.DeviceID)
	assert.Equal(t, "flash error", o.ErrorMessage)
}

func TestMissingDeviceParameter(t *testing.T) {
	hub := NewHub(HubConfig{Sink: newSink(), Logger: fwtest.Logger()})
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewClientValidation(t *testing.T) {
	noop := func(context.Context, fwrollout.ArtifactRef, func(fwrollout.Outcome) error) {}
	_, err := NewClient(ClientConfig{URL: "http://localhost/ws", DeviceID: "d", Install: noop})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{URL: "ws://localhost/ws", Install: noop})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{URL: "ws://localhost/ws", DeviceID: "d"})
	assert.Error(t, err)
}
