// Package observability publishes the proxy's lifecycle events as
// structured JSON to NATS subjects, so a fleet operator can watch
// registration, offer, request, and subscription activity in real time
// without attaching to the node. Publishing is additive telemetry: it is
// never on the control-plane path and a missing NATS connection degrades
// to local logging only.
package observability
