// Package vsomeip implements the client-side core of a SOME/IP routing
// proxy: the component applications on an ECU talk to instead of owning
// their own UDP/TCP sockets.
//
// The proxy connects to a routing host over a local Unix domain socket (or
// TCP when the routing host is configured as non-local), negotiates a client id, and from then on
// multiplexes every local application's offers, requests, event
// registrations and subscriptions onto that single connection. See
// package proxy for the top-level orchestration and cmd/vsomeip-proxy for
// the process entry point.
//
// Package layout:
//
//   - command: the routing proxy wire protocol (command ids, frame
//     envelope, payload encoding)
//   - transport: the Unix/TCP connection to the routing host and the
//     local/TCP listener accepting application connections
//   - proxystate: the client registration state machine
//     (Deregistered/Assigning/Assigned/Registering/Registered)
//   - intent: the registry of offers, requests, event registrations and
//     subscriptions held on behalf of local applications
//   - dispatch: the inbound command dispatcher and its security gate
//   - outbound: request/response/notification routing to local peers or
//     the routing host
//   - subscription: the eventgroup subscription state machine
//   - timers: keepalive, debounce, and registration watchdog timers
//   - security: the security policy manager consulted by dispatch
//   - apphost: the interface an embedding application implements to
//     receive proxy callbacks
//   - config, errors, health, metrics, observability: ambient
//     infrastructure shared by every other package
//   - gateway: an HTTP/WebSocket debug surface for inspecting proxy state
package vsomeip
