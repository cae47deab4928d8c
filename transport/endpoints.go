package transport

import (
	"log/slog"
	"net"
	"sync"

	"github.com/duartenfonseca/vsomeip/command"
)

// ResolveFunc maps a peer client id to the network/address to dial it at,
// or reports that the peer is unreachable directly. Local-mode proxies
// resolve through the rendezvous directory; non-local ones through the
// known-clients table filled from ROUTING_INFO.
type ResolveFunc func(client command.ClientID) (network, address string, ok bool)

// ErrorFunc is invoked when a peer endpoint fails mid-send, after the
// endpoint has been detached from the cache. The outbound path uses it to
// re-request services the vanished peer owned.
type ErrorFunc func(client command.ClientID)

// Endpoints is the per-peer endpoint cache of §4.2: one outbound framed
// connection per peer client, created on demand and detached on error.
type Endpoints struct {
	resolve ResolveFunc
	onError ErrorFunc
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[command.ClientID]*Peer
}

// Peer is one live outbound connection to a peer proxy.
type Peer struct {
	client command.ClientID

	mu   sync.Mutex
	conn net.Conn
}

// NewEndpoints creates an empty endpoint cache.
func NewEndpoints(resolve ResolveFunc, onError ErrorFunc, logger *slog.Logger) *Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoints{
		resolve: resolve,
		onError: onError,
		logger:  logger,
		peers:   make(map[command.ClientID]*Peer),
	}
}

// Find returns whether a live endpoint for client exists.
func (e *Endpoints) Find(client command.ClientID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.peers[client]
	return ok
}

// FindOrCreate returns the endpoint for client, dialing it if needed.
func (e *Endpoints) FindOrCreate(client command.ClientID) (*Peer, bool) {
	e.mu.Lock()
	if p, ok := e.peers[client]; ok {
		e.mu.Unlock()
		return p, true
	}
	e.mu.Unlock()

	network, address, ok := e.resolve(client)
	if !ok {
		return nil, false
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		e.logger.Debug("endpoint dial failed", "client", client, "address", address, "error", err)
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[client]; ok {
		// Lost the race; keep the established one.
		_ = conn.Close()
		return p, true
	}
	p := &Peer{client: client, conn: conn}
	e.peers[client] = p
	return p, true
}

// Send delivers frames directly to client, dialing the endpoint on first
// use. On failure the endpoint is detached, onError fires, and false is
// returned so the caller can fall back to routing via the host.
func (e *Endpoints) Send(client command.ClientID, frames ...command.Frame) bool {
	p, ok := e.FindOrCreate(client)
	if !ok {
		return false
	}
	if p.send(frames...) {
		return true
	}
	e.Remove(client)
	if e.onError != nil {
		e.onError(client)
	}
	return false
}

func (p *Peer) send(frames ...command.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return false
	}
	for _, f := range frames {
		buf, err := command.Encode(f)
		if err != nil {
			return false
		}
		if _, err := p.conn.Write(buf); err != nil {
			return false
		}
	}
	return true
}

// Remove detaches and closes the endpoint for client, if any.
func (e *Endpoints) Remove(client command.ClientID) {
	e.mu.Lock()
	p, ok := e.peers[client]
	delete(e.peers, client)
	e.mu.Unlock()
	if ok {
		p.close()
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// ConnectedClients lists the peers with live endpoints.
func (e *Endpoints) ConnectedClients() []command.ClientID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]command.ClientID, 0, len(e.peers))
	for c := range e.peers {
		out = append(out, c)
	}
	return out
}

// CloseAll detaches every endpoint, used on stop and on deregistration.
func (e *Endpoints) CloseAll() {
	e.mu.Lock()
	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.peers = make(map[command.ClientID]*Peer)
	e.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
