package scheduler

import (
	"context"
	"fmt"
	"time"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/metrics"
)

// DefaultInboxSize is used when NewInbox is given a non-positive size.
const DefaultInboxSize = 1024

// Inbox is a bounded FIFO of device outcome reports. Device transports push
// into it through ReportOutcome; the scheduler drains it at the start of
// each tick. A full inbox rejects reports with ErrInboxFull instead of
// blocking the transport, and the device is expected to report again.
type Inbox struct {
	ch      chan fwrollout.Outcome
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewInbox creates an inbox holding at most size reports.
func NewInbox(size int, m *metrics.Metrics) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		ch:      make(chan fwrollout.Outcome, size),
		metrics: m,
		now:     time.Now,
	}
}

// ReportOutcome queues a report. It never blocks.
func (i *Inbox) ReportOutcome(ctx context.Context, o fwrollout.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.TaskID == "" || o.DeviceID == "" {
		return fmt.Errorf("outcome needs task and device ids, got %q/%q", o.TaskID, o.DeviceID)
	}
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = i.now()
	}
	select {
	case i.ch <- o:
		i.metrics.SetInboxDepth(len(i.ch))
		return nil
	default:
		i.metrics.ObserveInboxRejected()
		return fmt.Errorf("%w: dropping %s report for %s/%s", fwrollout.ErrInboxFull, o.Status, o.TaskID, o.DeviceID)
	}
}

// Drain removes up to max queued reports in receipt order. A non-positive
// max drains everything queued at the time of the call.
func (i *Inbox) Drain(max int) []fwrollout.Outcome {
	n := len(i.ch)
	if max > 0 && max < n {
		n = max
	}
	out := make([]fwrollout.Outcome, 0, n)
	for len(out) < n {
		select {
		case o := <-i.ch:
			out = append(out, o)
		default:
			n = len(out)
		}
	}
	i.metrics.SetInboxDepth(len(i.ch))
	return out
}

// Len returns the number of queued reports.
func (i *Inbox) Len() int {
	return len(i.ch)
}

// Cap returns the inbox capacity.
func (i *Inbox) Cap() int {
	return cap(i.ch)
}
