// Package testutil provides the in-memory NATS stand-in the telemetry
// tests publish into when a real broker isn't available. Prefer a real
// dependency (a loopback transport pair for the routing proxy wire
// protocol, a local NATS server for broker behavior) when the real thing
// is fast and easy to set up.
package testutil
