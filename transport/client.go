package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/pkg/retry"
)

// HostRendezvousClient names the well-known local-socket path the routing
// host listens on, independent of command.RoutingClient's wire value.
const HostRendezvousClient command.ClientID = 0

// Client is the proxy's outbound link to the routing host: a single framed
// connection with automatic reconnect. It is the "sender" of spec §4.2.
type Client struct {
	addr Address

	status atomic.Value // Status

	mu   sync.Mutex
	conn net.Conn

	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	onMessage    MessageFunc

	retryConfig retry.Config

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a transport client for addr. Start must be called to
// begin connecting.
func NewClient(addr Address, onConnect ConnectFunc, onDisconnect DisconnectFunc, onMessage MessageFunc) *Client {
	c := &Client{
		addr:         addr,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		onMessage:    onMessage,
		retryConfig:  retry.Persistent(),
		stopCh:       make(chan struct{}),
	}
	c.status.Store(StatusDisconnected)
	return c
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	return c.status.Load().(Status)
}

// Start begins the connect-and-read loop in the background. Call it once
// per client.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.status.Store(StatusConnecting)
		conn, err := dial(ctx, c.addr)
		if err != nil {
			// Back off before retrying; this is the "transport reconnect"
			// the state machine relies on to eventually re-trigger assign.
			select {
			case <-time.After(c.retryConfig.InitialDelay):
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.status.Store(StatusConnected)
		if c.onConnect != nil {
			c.onConnect()
		}

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.status.Store(StatusDisconnected)
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}

		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	var pending []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				f, consumed, derr := command.Decode(pending)
				if derr != nil {
					break
				}
				pending = pending[consumed:]
				if c.onMessage != nil {
					c.onMessage(f)
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// Send writes one or more frames to the host atomically: spec.md's §9
// supplement notes REGISTER_APPLICATION+CONFIG must go out back to back on
// the same connection, so Send accepts a batch and holds the connection
// lock across the whole write.
func (c *Client) Send(frames ...command.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	if conn == nil {
		return false
	}
	for _, f := range frames {
		buf, err := command.Encode(f)
		if err != nil {
			return false
		}
		if _, err := conn.Write(buf); err != nil {
			return false
		}
	}
	return true
}

// Restart forces the current connection closed so the read loop observes an
// error and the reconnect cycle begins; used by watchdog timeouts.
func (c *Client) Restart() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Stop terminates the connect loop and closes any live connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}
