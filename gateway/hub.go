package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// deviceConn is one device's socket. gorilla/websocket allows one
// concurrent writer, so writes go through mu.
type deviceConn struct {
	deviceID string
	ws       *websocket.Conn
	mu       sync.Mutex
	done     chan struct{}
	once     sync.Once
}

func (c *deviceConn) write(msg Message, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *deviceConn) ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Hub accepts device connections and implements fwrollout.DeviceChannel.
type Hub struct {
	sink     fwrollout.OutcomeSink
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	pingInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*deviceConn
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Sink receives device reports.
	Sink         fwrollout.OutcomeSink
	Logger       logrus.FieldLogger
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewHub creates a Hub with no devices connected.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Hub{
		sink:   cfg.Sink,
		logger: cfg.Logger.WithField("component", "gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		conns:        make(map[string]*deviceConn),
	}
}

// SendUpgradeCommand writes an upgrade frame to the device's connection.
func (h *Hub) SendUpgradeCommand(ctx context.Context, deviceID string, ref fwrollout.ArtifactRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	c, ok := h.conns[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}

	err := c.write(Message{Type: TypeUpgrade, Upgrade: &ref, Timestamp: time.Now()}, h.writeTimeout)
	if err != nil {
		h.drop(c)
		return fmt.Errorf("failed to send upgrade to %s: %w", deviceID, err)
	}
	return nil
}

// Connected reports whether a device holds an open connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[deviceID]
	return ok
}

// Devices lists connected device ids.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close disconnects every device.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*deviceConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

// ServeHTTP upgrades a device connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		http.Error(w, "missing device parameter", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("device_id", deviceID).Warn("websocket upgrade failed")
		return
	}
	c := &deviceConn{deviceID: deviceID, ws: ws, done: make(chan struct{})}
	h.register(c)
	defer h.drop(c)

	go h.pingLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) register(c *deviceConn) {
	h.mu.Lock()
	prev := h.conns[c.deviceID]
	h.conns[c.deviceID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.ws.Close()
	}
	h.logger.WithFields(logrus.Fields{
		"device_id": c.deviceID,
		"remote":    c.ws.RemoteAddr().String(),
	}).Info("device connected")
}

// drop forgets c if it is still the device's current connection.
func (h *Hub) drop(c *deviceConn) {
	h.mu.Lock()
	current := h.conns[c.deviceID] == c
	if current {
		delete(h.conns, c.deviceID)
	}
	h.mu.Unlock()

	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	if current {
		h.logger.WithField("device_id", c.deviceID).Info("device disconnected")
	}
}

func (h *Hub) pingLoop(c *deviceConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(h.writeTimeout); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *deviceConn) {
	logger := h.logger.WithField("device_id", c.deviceID)
	c.ws.SetReadLimit(maxMessageSize)
	wait := max(pongWait, 2*h.pingInterval)
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("device connection lost")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.WithError(err).Warn("malformed frame from device")
			continue
		}
		if msg.Type != TypeReport || msg.Report == nil {
			logger.WithField("type", msg.Type).Debug("ignoring frame")
			continue
		}

		o := *msg.Report
		o.DeviceID = c.deviceID
		o.ReceivedAt = time.Now()
		if err := h.sink.ReportOutcome(ctx, o); err != nil {
			logger.WithError(err).Warn("report not accepted")
			// The device keeps the report and sends it again.
			reply := Message{Type: TypeError, Error: err.Error(), Report: &o, Timestamp: time.Now()}
			if werr := c.write(reply, h.writeTimeout); werr != nil {
				return
			}
		}
	}
}
