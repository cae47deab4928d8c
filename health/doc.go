// Package health tracks the operational health of the routing proxy's
// subsystems (transport, dispatch, subscriptions, keepalive) and exposes it
// for the debug gateway's /health endpoint.
//
// Each subsystem reports its own Status via Monitor.Update, UpdateHealthy,
// UpdateUnhealthy, or UpdateDegraded. FromError builds a Status from an
// observed error, sanitizing the error text so it is safe to return over
// the debug surface. Monitor.AggregateHealth rolls up every tracked
// subsystem into one Status for top-level reporting.
//
// Status is immutable: WithMetrics and WithSubStatus return copies rather
// than mutating the receiver, so a Status handed to a caller cannot be
// altered by a later Monitor update.
package health
