// Package metrics provides the routing proxy's Prometheus metrics registry
// and a small HTTP server exposing them.
//
// NewMetricsRegistry wires up the core proxy metrics (dispatch counts,
// subscription state, timer activity, routing-host connection status) and
// the Go runtime collectors into one prometheus.Registry. Components
// outside this package register their own metrics through the
// MetricsRegistrar interface, keyed by a service name so two components
// cannot silently clobber each other's Prometheus names.
//
//	registry := metrics.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCommandDispatched("subscribe")
//
//	server := metrics.NewServer(9090, "/metrics", registry)
//	go server.Start()
//
// Server serves three routes: the configured metrics path in Prometheus
// exposition format, /health for a liveness probe, and / with a short
// HTML index. It is meant to listen on loopback only; the proxy has no
// authentication layer in front of it.
package metrics
