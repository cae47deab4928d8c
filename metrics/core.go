package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the routing proxy's operational metrics: offers and
// requests flowing through the intent registry, commands handled by the
// dispatcher, subscription state transitions, and the health of the
// connection to the routing host.
type Metrics struct {
	OffersActive       *prometheus.GaugeVec
	RequestsActive     *prometheus.GaugeVec
	CommandsDispatched *prometheus.CounterVec
	SecurityDenials    *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec

	SubscriptionsActive  *prometheus.GaugeVec
	SubscriptionAttempts *prometheus.CounterVec
	RemoteSubscribers    *prometheus.GaugeVec

	DebounceFlushSize *prometheus.HistogramVec
	KeepaliveMisses   prometheus.Counter

	RoutingHostConnected prometheus.Gauge
	RegistrationRetries  prometheus.Counter
	AssignTimeouts       prometheus.Counter
}

// NewMetrics creates the routing proxy's metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		OffersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vsomeip",
				Subsystem: "intent",
				Name:      "offers_active",
				Help:      "Number of services currently offered by local applications",
			},
			[]string{"service"},
		),

		RequestsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vsomeip",
				Subsystem: "intent",
				Name:      "requests_active",
				Help:      "Number of outstanding service requests from local applications",
			},
			[]string{"service"},
		),

		CommandsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "dispatch",
				Name:      "commands_total",
				Help:      "Total number of routing commands dispatched, by command id",
			},
			[]string{"command"},
		),

		SecurityDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "dispatch",
				Name:      "security_denials_total",
				Help:      "Total number of commands rejected by the security gate",
			},
			[]string{"command"},
		),

		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vsomeip",
				Subsystem: "dispatch",
				Name:      "duration_seconds",
				Help:      "Time spent handling a dispatched command",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vsomeip",
				Subsystem: "subscription",
				Name:      "active",
				Help:      "Number of eventgroup subscriptions currently in the Subscribed state",
			},
			[]string{"service", "eventgroup"},
		),

		SubscriptionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "subscription",
				Name:      "attempts_total",
				Help:      "Total subscription attempts, by outcome (ack, nack)",
			},
			[]string{"service", "eventgroup", "outcome"},
		),

		RemoteSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vsomeip",
				Subsystem: "subscription",
				Name:      "remote_subscribers",
				Help:      "Number of remote subscribers currently counted for a provided eventgroup",
			},
			[]string{"service", "eventgroup"},
		),

		DebounceFlushSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vsomeip",
				Subsystem: "timers",
				Name:      "debounce_flush_size",
				Help:      "Number of pending requests flushed per debounce timer firing",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"service"},
		),

		KeepaliveMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "timers",
				Name:      "keepalive_misses_total",
				Help:      "Total number of missed keepalive acknowledgements from the routing host",
			},
		),

		RoutingHostConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vsomeip",
				Subsystem: "transport",
				Name:      "routing_host_connected",
				Help:      "Connection status to the routing host (0=disconnected, 1=connected)",
			},
		),

		RegistrationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "proxystate",
				Name:      "registration_retries_total",
				Help:      "Total number of REGISTER_APPLICATION retries after a watchdog expiry",
			},
		),

		AssignTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vsomeip",
				Subsystem: "proxystate",
				Name:      "assign_timeouts_total",
				Help:      "Total number of ASSIGN_CLIENT watchdog expirations",
			},
		),
	}
}

// RecordCommandDispatched increments the per-command dispatch counter.
func (m *Metrics) RecordCommandDispatched(command string) {
	m.CommandsDispatched.WithLabelValues(command).Inc()
}

// RecordSecurityDenial increments the per-command security-denial counter.
func (m *Metrics) RecordSecurityDenial(command string) {
	m.SecurityDenials.WithLabelValues(command).Inc()
}

// RecordDispatchDuration records how long a command took to handle.
func (m *Metrics) RecordDispatchDuration(command string, d time.Duration) {
	m.DispatchDuration.WithLabelValues(command).Observe(d.Seconds())
}

// RecordSubscriptionAttempt increments the subscription outcome counter.
func (m *Metrics) RecordSubscriptionAttempt(service, eventgroup, outcome string) {
	m.SubscriptionAttempts.WithLabelValues(service, eventgroup, outcome).Inc()
}

// SetSubscriptionActive sets the gauge tracking subscribed eventgroups.
func (m *Metrics) SetSubscriptionActive(service, eventgroup string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	m.SubscriptionsActive.WithLabelValues(service, eventgroup).Set(value)
}

// SetRemoteSubscribers records the current remote-subscriber count for an eventgroup.
func (m *Metrics) SetRemoteSubscribers(service, eventgroup string, count int) {
	m.RemoteSubscribers.WithLabelValues(service, eventgroup).Set(float64(count))
}

// RecordDebounceFlush records the batch size flushed by a debounce timer.
func (m *Metrics) RecordDebounceFlush(service string, size int) {
	m.DebounceFlushSize.WithLabelValues(service).Observe(float64(size))
}

// RecordKeepaliveMiss increments the missed-keepalive counter.
func (m *Metrics) RecordKeepaliveMiss() {
	m.KeepaliveMisses.Inc()
}

// SetRoutingHostConnected updates the routing host connection gauge.
func (m *Metrics) SetRoutingHostConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.RoutingHostConnected.Set(value)
}

// RecordRegistrationRetry increments the registration-retry counter.
func (m *Metrics) RecordRegistrationRetry() {
	m.RegistrationRetries.Inc()
}

// RecordAssignTimeout increments the assign-timeout counter.
func (m *Metrics) RecordAssignTimeout() {
	m.AssignTimeouts.Inc()
}
