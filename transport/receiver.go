package transport

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/pkg/buffer"
)

// PeerMessageFunc is invoked for every frame the receiver accepts from a
// peer connection, tagged with the observed address of that peer and the
// client id the connection first identified itself with (both consumed by
// the inbound dispatcher's security gate).
type PeerMessageFunc func(peer net.Addr, bound command.ClientID, f command.Frame)

// Receiver accepts inbound connections from peer proxies (and, in local
// mode, the routing host's broadcasts) and demultiplexes their frames.
// Each connection gets its own bounded inbound buffer so one noisy or slow
// peer cannot starve delivery from the others; overflow drops the oldest
// queued frame, matching the "no guaranteed delivery under sustained
// failure" non-goal.
type Receiver struct {
	listener net.Listener
	socket   string // non-empty for unix-rendezvous receivers, removed on Close

	onMessage PeerMessageFunc

	mu      sync.Mutex
	conns   map[net.Conn]buffer.Buffer[command.Frame]
	closed  bool
	wg      sync.WaitGroup
}

const peerInboundQueueDepth = 256

// NewLocalReceiver creates a receiver bound to the rendezvous path for
// client under basePath, creating the path's parent directory if needed.
func NewLocalReceiver(basePath string, client command.ClientID, onMessage PeerMessageFunc) (*Receiver, error) {
	path := LocalPath(basePath, client)
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return newReceiver(ln, path, onMessage), nil
}

// NewTCPReceiver creates a receiver bound to the proxy's own listening TCP
// port for non-local routing; addr "" means an ephemeral port (the actual
// port is reported by Port()).
func NewTCPReceiver(addr string, onMessage PeerMessageFunc) (*Receiver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newReceiver(ln, "", onMessage), nil
}

func newReceiver(ln net.Listener, socket string, onMessage PeerMessageFunc) *Receiver {
	r := &Receiver{
		listener:  ln,
		socket:    socket,
		onMessage: onMessage,
		conns:     make(map[net.Conn]buffer.Buffer[command.Frame]),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

// Port reports the TCP port a non-local receiver bound to (0 for local
// receivers), for REGISTER_APPLICATION's port field.
func (r *Receiver) Port() uint16 {
	if tcp, ok := r.listener.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.handleConn(conn)
	}
}

func (r *Receiver) handleConn(conn net.Conn) {
	buf, err := buffer.NewCircularBuffer[command.Frame](peerInboundQueueDepth)
	if err != nil {
		_ = conn.Close()
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conns[conn] = buf
	r.mu.Unlock()

	done := make(chan struct{})

	// bound is the client id the connection first identified itself with;
	// the dispatcher's gate compares later frames against it.
	var bound atomic.Uint32
	bound.Store(uint32(command.UnsetClient))

	// Consumer: drains the peer's buffer in order, decoupled from how fast
	// frames arrive off the wire. This is what keeps per-peer ordering
	// (spec §5) even when onMessage briefly blocks.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			f, ok := buf.Read()
			if ok {
				if r.onMessage != nil {
					r.onMessage(conn.RemoteAddr(), command.ClientID(bound.Load()), f)
				}
				continue
			}
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	// Reader: decodes frames off the socket and hands them to the buffer.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer r.dropConn(conn)

		var pending []byte
		readBuf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(readBuf)
			if n > 0 {
				pending = append(pending, readBuf[:n]...)
				for {
					f, consumed, derr := command.Decode(pending)
					if derr != nil {
						break
					}
					pending = pending[consumed:]
					if command.ClientID(bound.Load()) == command.UnsetClient {
						bound.Store(uint32(f.Client))
					}
					_ = buf.Write(f)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

func (r *Receiver) dropConn(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	_ = conn.Close()
}

// Close stops accepting connections, closes every accepted peer
// connection, and removes the rendezvous socket file if one was created.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	err := r.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	r.wg.Wait()
	if r.socket != "" {
		_ = os.Remove(r.socket)
	}
	return err
}
