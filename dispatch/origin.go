package dispatch

import (
	"net"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/security"
)

// Origin identifies where a frame came from, as far as the transport can
// tell. The security gate builds on it.
type Origin struct {
	// FromHost is true for frames arriving on the sender connection, and
	// for receiver frames authenticated as the routing host.
	FromHost bool
	// Sender is the client id bound to the connection the frame arrived
	// on; UnsetClient when the connection has not identified itself yet.
	Sender command.ClientID
	// Sec is the security identity observed on the connection.
	Sec security.SecClient
}

// HostOrigin is the origin of frames read off the sender connection.
func HostOrigin() Origin {
	return Origin{FromHost: true, Sender: command.RoutingClient}
}

// OriginForPeer classifies a frame accepted by the receiver. In local mode
// the host is recognized by its configured client id on the frame; in
// non-local mode by the convention that the host's outbound connections
// originate from its command port plus one. That convention is fragile
// (see DESIGN.md); it is kept because changing it silently would break
// interop with existing hosts.
func OriginForPeer(f command.Frame, peer net.Addr, bound command.ClientID, local bool, hostID command.ClientID, hostAddr string, hostPort uint16) Origin {
	o := Origin{Sender: bound}
	if local {
		o.FromHost = f.Client == hostID
		return o
	}
	tcp, ok := peer.(*net.TCPAddr)
	if !ok {
		return o
	}
	o.Sec = security.SecClient{Host: tcp.IP.String(), Port: uint16(tcp.Port)}
	o.FromHost = tcp.IP.String() == hostAddr && tcp.Port == int(hostPort)+1
	return o
}
