// Package natsclient manages the NATS connection the observability
// publisher writes telemetry events to. The surface is deliberately
// small: connect (one dial; the NATS library reconnects afterwards, without
// limit unless WithMaxReconnects says otherwise), publish, close. A broker that is
// down degrades the proxy to local logging only; nothing in the routing
// control plane depends on this connection.
package natsclient
