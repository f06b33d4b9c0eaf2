package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// Installer applies an upgrade on the device. It runs on its own goroutine
// per command and reports progress and the result through report; TaskID
// and DeviceID are filled in.
type Installer func(ctx context.Context, ref fwrollout.ArtifactRef, report func(fwrollout.Outcome) error)

// Client is the device end of the gateway protocol. It keeps one
// connection to the Hub open, reconnecting with backoff.
type Client struct {
	url          string
	deviceID     string
	install      Installer
	logger       logrus.FieldLogger
	writeTimeout time.Duration
	resendDelay  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the Hub endpoint, e.g. ws://host:8081/ws.
	URL      string
	DeviceID string
	Install  Installer
	Logger   logrus.FieldLogger

	WriteTimeout time.Duration

	// ResendDelay is how long a rejected report waits before it is sent again.
	ResendDelay time.Duration
}

// NewClient validates the endpoint and creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("gateway URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.Install == nil {
		return nil, errors.New("installer is required")
	}
	q := u.Query()
	q.Set("device", cfg.DeviceID)
	u.RawQuery = q.Encode()

	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ResendDelay <= 0 {
		cfg.ResendDelay = time.Second
	}
	return &Client{
		url:          u.String(),
		deviceID:     cfg.DeviceID,
		install:      cfg.Install,
		logger:       cfg.Logger.WithFields(logrus.Fields{"component": "gateway-client", "device_id": cfg.DeviceID}),
		writeTimeout: cfg.WriteTimeout,
		resendDelay:  cfg.ResendDelay,
	}, nil
}

// Run connects and serves commands until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		var conn *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = c.dial(ctx)
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.logger.WithError(err).WithField("retry_in", wait).Warn("gateway connection failed")
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		b.Reset()

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(fmt.Errorf("gateway refused connection: %s", resp.Status))
		}
		return nil, err
	}
	return conn, nil
}

// Connected reports whether the client holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected to gateway")

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
		conn.Close()
	})
	defer stop()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Warn("gateway connection lost")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.WithError(err).Warn("malformed frame from gateway")
			continue
		}

		switch msg.Type {
		case TypeUpgrade:
			if msg.Upgrade == nil {
				continue
			}
			ref := *msg.Upgrade
			c.logger.WithFields(logrus.Fields{
				"task_id": ref.TaskID,
				"version": ref.Version,
			}).Info("upgrade command received")
			go c.install(ctx, ref, func(o fwrollout.Outcome) error {
				o.TaskID = ref.TaskID
				o.DeviceID = c.deviceID
				return c.Report(ctx, o)
			})
		case TypeError:
			if msg.Report == nil {
				c.logger.WithField("error", msg.Error).Warn("gateway error")
				continue
			}
			o := *msg.Report
			time.AfterFunc(c.resendDelay, func() {
				if err := c.Report(ctx, o); err != nil {
					c.logger.WithError(err).Warn("failed to resend report")
				}
			})
		}
	}
}

// Report sends an outcome frame.
func (c *Client) Report(ctx context.Context, o fwrollout.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected to gateway")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(Message{Type: TypeReport, Report: &o, Timestamp: time.Now()})
}
