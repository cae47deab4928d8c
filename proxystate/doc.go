// Package proxystate tracks the routing proxy's registration lifecycle:
// Deregistered, Assigning, Assigned, Registering, Registered. It owns the
// condition variable stop() waits on and the single watchdog timer that is
// rearmed for the assign and register phases.
package proxystate
