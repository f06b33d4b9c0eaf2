// Package fwtest provides in-memory collaborators for tests: a firmware
// registry, a recording device channel and a manual clock.
package fwtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
	"github.com/superfly/fwrollout/registry"
)

// Logger returns a logger that discards output.
func Logger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Registry is a map-backed FirmwareRegistry using the real compatibility rules.
type Registry struct {
	mu        sync.Mutex
	artifacts map[string]*fwrollout.FirmwareArtifact

	// ResolveErr, when set, is returned by every call.
	ResolveErr error
}

// NewRegistry creates a registry holding the given artifacts.
func NewRegistry(artifacts ...*fwrollout.FirmwareArtifact) *Registry {
	r := &Registry{artifacts: map[string]*fwrollout.FirmwareArtifact{}}
	for _, a := range artifacts {
		r.Put(a)
	}
	return r
}

// Put adds or replaces an artifact.
func (r *Registry) Put(a *fwrollout.FirmwareArtifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *a
	r.artifacts[a.ID] = &c
}

// Artifact builds an enabled, released artifact for device type "lock".
func Artifact(id, version string) *fwrollout.FirmwareArtifact {
	return &fwrollout.FirmwareArtifact{
		ID:         id,
		Version:    version,
		DeviceType: "lock",
		Checksum:   "md5-" + id,
		URL:        "https://firmware.example/" + id + ".bin",
		Status:     fwrollout.ArtifactReleased,
		Enabled:    true,
	}
}

func (r *Registry) Resolve(ctx context.Context, firmwareID string) (*fwrollout.FirmwareArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ResolveErr != nil {
		return nil, r.ResolveErr
	}
	a, ok := r.artifacts[firmwareID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fwrollout.ErrFirmwareNotFound, firmwareID)
	}
	c := *a
	return &c, nil
}

func (r *Registry) ResolveVersion(ctx context.Context, deviceType, deviceModel, version string) (*fwrollout.FirmwareArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *fwrollout.FirmwareArtifact
	for _, a := range r.artifacts {
		if a.DeviceType != deviceType || !registry.SameVersion(a.Version, version) {
			continue
		}
		if a.DeviceModel != "" && deviceModel != "" && a.DeviceModel != deviceModel {
			continue
		}
		if best == nil || (a.Available() && !best.Available()) || (a.Available() == best.Available() && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s version %s", fwrollout.ErrFirmwareNotFound, deviceType, version)
	}
	c := *best
	return &c, nil
}

func (r *Registry) CheckCompatibility(ctx context.Context, firmwareID, currentVersion string) (bool, error) {
	a, err := r.Resolve(ctx, firmwareID)
	if err != nil {
		return false, err
	}
	return registry.Compatible(a, currentVersion)
}

func (r *Registry) GetChecksum(ctx context.Context, firmwareID string) (string, error) {
	a, err := r.Resolve(ctx, firmwareID)
	if err != nil {
		return "", err
	}
	return a.Checksum, nil
}

// Send is one recorded upgrade command.
type Send struct {
	DeviceID string
	Ref      fwrollout.ArtifactRef
}

// Channel records upgrade commands. Devices listed in Reject fail to send.
type Channel struct {
	mu     sync.Mutex
	sends  []Send
	Reject map[string]error
}

// NewChannel creates an empty recording channel.
func NewChannel() *Channel {
	return &Channel{Reject: map[string]error{}}
}

func (c *Channel) SendUpgradeCommand(ctx context.Context, deviceID string, ref fwrollout.ArtifactRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.Reject[deviceID]; ok {
		return err
	}
	c.sends = append(c.sends, Send{DeviceID: deviceID, Ref: ref})
	return nil
}

// Sends returns the recorded commands in send order.
func (c *Channel) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Send(nil), c.sends...)
}

// Devices returns the device ids of recorded commands in send order.
func (c *Channel) Devices() []string {
	var out []string
	for _, s := range c.Sends() {
		out = append(out, s.DeviceID)
	}
	return out
}

// Reset forgets recorded commands.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = nil
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
