// Package proxy wires the routing-proxy core together: the command codec,
// transport, state machine, intent registry, dispatcher, outbound router,
// subscription engine, and timers, behind the application-facing surface
// (offer, request, register event, subscribe, send, start, stop). One
// RoutingProxy represents one application's membership in the node's
// routing fabric.
package proxy
