package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Publish before Connect succeeds.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client is a thin connection manager around one nats.Conn.
type Client struct {
	url    string
	logger *slog.Logger

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	clientName    string
	username      string
	password      string
	token         string

	status     atomic.Value // ConnectionStatus
	reconnects atomic.Int32

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// NewClient creates a client for url. Connect must be called before the
// first Publish.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("natsclient: url is required")
	}
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		clientName:    "vsomeip-proxy",
	}
	c.status.Store(StatusDisconnected)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// URL returns the configured broker URL.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Reconnects reports how many times the connection dropped and recovered.
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// Connect dials the broker. Reconnection afterwards is handled by the
// NATS library under the configured limits; status transitions are
// tracked through its callbacks.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("natsclient: client is closed")
	}
	if c.conn != nil {
		return nil
	}

	c.status.Store(StatusConnecting)
	options := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			if err != nil {
				c.logger.Warn("NATS connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
	}
	if c.username != "" {
		options = append(options, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		options = append(options, nats.Token(c.token))
	}

	conn, err := nats.Connect(c.url, options...)
	if err != nil {
		c.status.Store(StatusDisconnected)
		return fmt.Errorf("natsclient: connect to %s: %w", c.url, err)
	}

	select {
	case <-ctx.Done():
		conn.Close()
		c.status.Store(StatusDisconnected)
		return ctx.Err()
	default:
	}

	c.conn = conn
	c.status.Store(StatusConnected)
	c.logger.Info("NATS connected", "url", conn.ConnectedUrl())
	return nil
}

// Publish sends one message. It fails fast when the connection is not
// established; callers treat publish failures as droppable telemetry.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natsclient: publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection, bounded by ctx.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()
	select {
	case err := <-done:
		c.status.Store(StatusDisconnected)
		return err
	case <-ctx.Done():
		conn.Close()
		c.status.Store(StatusDisconnected)
		return ctx.Err()
	}
}
