package outbound

import (
	"fmt"
	"log/slog"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/errors"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/subscription"
)

// HostSender is the proxy's sender link to the routing host.
type HostSender interface {
	Send(frames ...command.Frame) bool
}

// PeerSender delivers frames directly to a peer endpoint, reporting false
// when the peer is unreachable so the caller falls back to the host.
type PeerSender interface {
	Send(client command.ClientID, frames ...command.Frame) bool
}

// Router implements the outbound send path of §4.6.
type Router struct {
	localClient func() command.ClientID
	registered  func() bool

	services *intent.ServiceTable
	registry *intent.Registry
	fields   *intent.FieldCache
	engine   *subscription.Engine

	host  HostSender
	peers PeerSender

	logger *slog.Logger
}

// NewRouter creates the outbound router.
func NewRouter(localClient func() command.ClientID, registered func() bool,
	services *intent.ServiceTable, registry *intent.Registry, fields *intent.FieldCache,
	engine *subscription.Engine, host HostSender, peers PeerSender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		localClient: localClient,
		registered:  registered,
		services:    services,
		registry:    registry,
		fields:      fields,
		engine:      engine,
		host:        host,
		peers:       peers,
		logger:      logger,
	}
}

// Send routes one application message. target names the intended receiver
// for notify-one; command.RoutingClient means broadcast semantics.
func (r *Router) Send(target command.ClientID, message []byte, instance uint16, reliable bool) error {
	if !r.registered() {
		return errors.WrapTransient(errors.ErrNotRegistered, "outbound", "Send", "route message")
	}

	msgType, ok := command.PeekMessageType(message)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "Send", "read message type")
	}

	payload := command.EncodeSend(command.SendPayload{Instance: instance, Reliable: reliable, Message: message})

	switch {
	case msgType == command.MessageTypeRequest:
		return r.sendRequest(message, instance, payload)
	case msgType == command.MessageTypeResponse || msgType == command.MessageTypeError:
		return r.sendResponse(message, payload)
	case msgType == command.MessageTypeNotification && target == command.RoutingClient:
		return r.sendBroadcastNotification(message, instance, payload)
	case msgType == command.MessageTypeNotification:
		return r.sendNotifyOne(target, payload)
	default:
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "Send",
			fmt.Sprintf("route message type 0x%02x", uint8(msgType)))
	}
}

// sendRequest looks the provider up in the local service table and sends
// directly when it is a reachable peer, else via the host.
func (r *Router) sendRequest(message []byte, instance uint16, payload []byte) error {
	f := command.Frame{ID: command.Send, Client: r.localClient(), Payload: payload}

	service, ok := command.PeekService(message)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "sendRequest", "read service id")
	}
	if owner, ok := r.services.OwnerOf(service, instance); ok && owner != command.RoutingClient {
		if r.peers.Send(owner, f) {
			return nil
		}
		// Peer endpoint failed; the host still knows the route.
	}
	if !r.host.Send(f) {
		return errors.WrapTransient(errors.ErrSendFailed, "outbound", "sendRequest", "forward request to host")
	}
	return nil
}

// sendResponse addresses the requester named inside the SOME/IP header.
func (r *Router) sendResponse(message []byte, payload []byte) error {
	target, ok := command.PeekClient(message)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "sendResponse", "read client id")
	}
	f := command.Frame{ID: command.Send, Client: r.localClient(), Payload: payload}
	if target != command.RoutingClient && r.peers.Send(target, f) {
		return nil
	}
	if !r.host.Send(f) {
		return errors.WrapTransient(errors.ErrSendFailed, "outbound", "sendResponse", "forward response to host")
	}
	return nil
}

// sendBroadcastNotification first serves local subscribers through the
// in-memory path, caches the value for late field subscribers, then emits
// to the host only when remote subscribers exist.
func (r *Router) sendBroadcastNotification(message []byte, instance uint16, payload []byte) error {
	service, ok := command.PeekService(message)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "sendBroadcastNotification", "read service id")
	}
	event, ok := command.PeekMethod(message)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeserializeFailed, "outbound", "sendBroadcastNotification", "read event id")
	}

	eventKey := command.EventKey{Service: service, Instance: instance, Notifier: event}
	if reg, ok := r.registry.Event(eventKey); ok && reg.Type == intent.EventTypeField {
		r.fields.Set(eventKey, message)
	}

	f := command.Frame{ID: command.Notify, Client: r.localClient(), Payload: payload}
	for _, peer := range r.engine.LocalSubscribers(service, instance, event) {
		if !r.peers.Send(peer, f) {
			r.logger.Debug("local notify fell back to host",
				"peer", fmt.Sprintf("%04x", uint16(peer)), "event", eventKey.String())
			r.host.Send(f)
		}
	}

	if r.engine.HasRemoteSubscribers(service, instance) {
		if !r.host.Send(f) {
			return errors.WrapTransient(errors.ErrSendFailed, "outbound", "sendBroadcastNotification", "forward notification to host")
		}
	}
	return nil
}

// sendNotifyOne unicasts a notification; the envelope carries the
// intended recipient rather than the local client.
func (r *Router) sendNotifyOne(target command.ClientID, payload []byte) error {
	f := command.Frame{ID: command.NotifyOne, Client: target, Payload: payload}
	if r.peers.Send(target, f) {
		return nil
	}
	if !r.host.Send(f) {
		return errors.WrapTransient(errors.ErrSendFailed, "outbound", "sendNotifyOne", "forward notify-one to host")
	}
	return nil
}

// HandleClientError recovers from a broken peer endpoint per §7: the
// endpoint is already detached by the caller; while still registered,
// every service the peer owned is re-requested so the host can route
// around the loss. requeue re-enters each key through the request path.
func (r *Router) HandleClientError(peer command.ClientID, requeue func(command.ServiceKey)) {
	if !r.registered() {
		return
	}
	owned := r.services.OwnedBy(peer)
	owned = append(owned, r.services.PreviouslyOwnedBy(peer)...)
	seen := make(map[command.ServiceKey]struct{}, len(owned))
	for _, key := range owned {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.logger.Info("re-requesting service after peer error",
			"peer", fmt.Sprintf("%04x", uint16(peer)), "service", key.String())
		requeue(key)
	}
}
