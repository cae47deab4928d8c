// Package transport provides the local/TCP framed channel a routing proxy
// uses to reach its routing host, plus the receiver side that accepts
// inbound connections from peer proxies and the host itself. It owns
// reconnection: callers only see on_connect/on_disconnect/on_message
// events and a Send that fails fast when no connection is live.
//
// When the routing host is local to the node the channel is a filesystem
// rendezvous unix-domain socket; when remote, a TCP connection to the
// host's command port. Both share the same framing (command.Encode /
// command.Decode) and the same reconnect/backoff machinery, mirrored on
// natsclient.Client's atomic status and callback-driven reconnects.
package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/duartenfonseca/vsomeip/command"
)

// Status mirrors natsclient's ConnectionStatus for the proxy's own link to
// the routing host.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Address names where the routing host listens.
type Address struct {
	// Local is true when the host is reached via filesystem rendezvous.
	Local bool
	// BasePath is the directory holding rendezvous sockets when Local.
	BasePath string
	// Host/Port address the routing host's command port when !Local. Port+1
	// is the convention used to recognize frames as coming from the host
	// (see dispatch's security gate and DESIGN.md's open-question note).
	Host string
	Port uint16
}

// LocalPath returns the rendezvous socket path for a client id under addr's
// base path, e.g. "<base>/<hex-clientid>".
func LocalPath(basePath string, client command.ClientID) string {
	return basePath + "/" + hexClient(client)
}

func hexClient(c command.ClientID) string {
	const hexDigits = "0123456789abcdef"
	b := [4]byte{}
	v := uint16(c)
	for i := 3; i >= 0; i-- {
		b[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}

// OnConnect/OnDisconnect/OnMessage are the callbacks a Client drives.
type (
	ConnectFunc    func()
	DisconnectFunc func(err error)
	MessageFunc    func(command.Frame)
)

// dial opens the underlying connection for addr, used both by the outbound
// Client and by tests.
func dial(ctx context.Context, addr Address) (net.Conn, error) {
	d := net.Dialer{}
	if addr.Local {
		return d.DialContext(ctx, "unix", LocalPath(addr.BasePath, 0))
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))))
}
