package scheduler

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/metrics"
)

func outcome(device string, status fwrollout.DeviceStatus) fwrollout.Outcome {
	return fwrollout.Outcome{TaskID: "task-1", DeviceID: device, Status: status}
}

func TestInbox_DrainsInReceiptOrder(t *testing.T) {
	in := NewInbox(8, nil)
	ctx := context.Background()
	require.NoError(t, in.ReportOutcome(ctx, outcome("a", fwrollout.DeviceInstalling)))
	require.NoError(t, in.ReportOutcome(ctx, outcome("a", fwrollout.DeviceSuccess)))
	require.NoError(t, in.ReportOutcome(ctx, outcome("b", fwrollout.DeviceFailed)))

	first := in.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, fwrollout.DeviceInstalling, first[0].Status)
	assert.Equal(t, fwrollout.DeviceSuccess, first[1].Status)
	assert.False(t, first[0].ReceivedAt.IsZero(), "receipt time is stamped")

	rest := in.Drain(0)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].DeviceID)
	assert.Empty(t, in.Drain(0))
}

func TestInbox_FullRejects(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	in := NewInbox(2, m)
	ctx := context.Background()

	require.NoError(t, in.ReportOutcome(ctx, outcome("a", fwrollout.DeviceSuccess)))
	require.NoError(t, in.ReportOutcome(ctx, outcome("b", fwrollout.DeviceSuccess)))
	err := in.ReportOutcome(ctx, outcome("c", fwrollout.DeviceSuccess))
	assert.ErrorIs(t, err, fwrollout.ErrInboxFull)

	assert.Equal(t, 2, in.Len())
	assert.Equal(t, 2, in.Cap())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboxDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InboxRejected))

	in.Drain(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InboxDepth))
}

func TestInbox_RejectsIncompleteReports(t *testing.T) {
	in := NewInbox(0, nil)
	assert.Equal(t, DefaultInboxSize, in.Cap())
	assert.Error(t, in.ReportOutcome(context.Background(), fwrollout.Outcome{DeviceID: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, in.ReportOutcome(ctx, outcome("a", fwrollout.DeviceSuccess)), context.Canceled)
}
