package main

import (
	"log/slog"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
)

// loggingHost is the standalone binary's application host: it has no
// application logic of its own, so every callback is surfaced as a log
// line. Embedding applications implement apphost.Host themselves.
type loggingHost struct {
	name   string
	logger *slog.Logger
}

func newLoggingHost(name string, logger *slog.Logger) *loggingHost {
	return &loggingHost{name: name, logger: logger.With("app", name)}
}

func (h *loggingHost) OnState(s apphost.State) {
	h.logger.Info("registration state changed", "state", s.String())
}

func (h *loggingHost) OnMessage(instance uint16, message []byte) {
	h.logger.Debug("message delivered", "instance", instance, "bytes", len(message))
}

func (h *loggingHost) OnAvailability(key command.ServiceKey, available bool) {
	h.logger.Info("service availability changed", "service", key.String(), "available", available)
}

func (h *loggingHost) OnSubscription(key command.SubscriptionKey, client command.ClientID, accept func(bool)) {
	h.logger.Info("subscription requested", "subscription", key.String(), "client", uint16(client))
	accept(true)
}

func (h *loggingHost) OnSubscriptionStatus(service, instance, eventgroup, event uint16, status apphost.SubscriptionStatus) {
	h.logger.Info("subscription status",
		"service", service, "instance", instance,
		"eventgroup", eventgroup, "event", event, "status", status.String())
}

func (h *loggingHost) OnOfferedServicesInfo(services []apphost.OfferedService) {
	h.logger.Info("offered services info", "count", len(services))
}

func (h *loggingHost) GetName() string { return h.name }

func (h *loggingHost) SetClient(c command.ClientID) {
	h.logger.Info("client id assigned", "client", uint16(c))
}

func (h *loggingHost) SetSecClientPort(port uint16) {
	h.logger.Debug("receiver port bound", "port", port)
}
