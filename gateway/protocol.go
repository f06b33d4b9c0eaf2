// Package gateway carries upgrade commands to devices and outcome reports
// back over WebSocket.
//
// Devices dial the Hub at /ws?device=<id> and hold the connection open.
// The Hub implements fwrollout.DeviceChannel for the dispatcher and
// forwards every report a device sends into an fwrollout.OutcomeSink,
// normally the scheduler inbox. Client is the device side of the same
// protocol.
package gateway

import (
	"errors"
	"time"

	fwrollout "github.com/superfly/fwrollout"
)

// Message types.
const (
	TypeUpgrade = "upgrade"
	TypeReport  = "report"
	TypeError   = "error"
)

// Message is the JSON frame exchanged in both directions.
type Message struct {
	Type      string                 `json:"type"`
	Upgrade   *fwrollout.ArtifactRef `json:"upgrade,omitempty"`
	Report    *fwrollout.Outcome     `json:"report,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrDeviceOffline is returned when no connection is open for a device.
var ErrDeviceOffline = errors.New("device offline")

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second

	// pongWait must exceed the ping interval.
	pongWait = 2 * defaultPingInterval

	maxMessageSize = 64 << 10
)
