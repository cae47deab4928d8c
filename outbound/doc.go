// Package outbound routes application messages out of the proxy: requests
// and responses directly to their owning peer when one is reachable,
// otherwise through the routing host, and notifications first through the
// in-memory path to local subscribers before deciding whether the wire
// needs them at all.
package outbound
