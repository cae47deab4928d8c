// Package dispatch demultiplexes inbound control commands: every frame
// from the routing host or a peer proxy passes the security gate, then a
// closed per-command match updates the intent registry, the routing
// tables, the subscription engine, and the registration lifecycle hooks.
// Unknown command ids are ignored. Application-host callbacks are treated
// as infallible; a panic is recovered and logged, never unwound through
// the dispatcher.
package dispatch
