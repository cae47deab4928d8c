// Package timers implements the periodic and timeout behavior of the
// routing proxy: the keepalive ping/pong exchange with the routing host
// and the request-debounce window that coalesces service requests into a
// single command. The assign/register watchdog lives with the state
// machine in package proxystate, since it is rearmed per phase.
package timers
