// Package gateway exposes a read-only operator surface over a running
// proxy: HTTP endpoints for health, offered services, and subscription
// state, plus a websocket stream of lifecycle events. It is not part of
// the routing fabric; stopping it never affects SOME/IP traffic.
package gateway
