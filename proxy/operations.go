package proxy

import (
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/errors"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/observability"
)

// OfferService declares a service the application provides. Idempotent:
// only the first declaration per epoch emits OFFER_SERVICE.
func (p *RoutingProxy) OfferService(service, instance uint16, major uint8, minor uint32) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.ServiceKey{Service: service, Instance: instance, Major: major, Minor: minor}
	if !p.registry.AddOffer(key) {
		return nil
	}
	p.publisher.ServiceEvent(observability.EventOffer, key)
	if p.registered() {
		p.sendHost(command.Frame{
			ID:      command.OfferService,
			Client:  p.ClientID(),
			Payload: command.EncodeServiceCommand(command.ServiceCommandPayload{Key: key}),
		})
	}
	return nil
}

// StopOfferService withdraws an offer.
func (p *RoutingProxy) StopOfferService(service, instance uint16, major uint8, minor uint32) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.ServiceKey{Service: service, Instance: instance, Major: major, Minor: minor}
	if !p.registry.RemoveOffer(key) {
		return nil
	}
	p.publisher.ServiceEvent(observability.EventStopOffer, key)
	if p.registered() {
		p.sendHost(command.Frame{
			ID:      command.StopOfferService,
			Client:  p.ClientID(),
			Payload: command.EncodeServiceCommand(command.ServiceCommandPayload{Key: key}),
		})
	}
	return nil
}

// RequestService declares interest in a remote service. Requests buffer
// through the debounce window and flush as one REQUEST_SERVICE.
func (p *RoutingProxy) RequestService(service, instance uint16, major uint8, minor uint32) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.ServiceKey{Service: service, Instance: instance, Major: major, Minor: minor}
	if !p.registry.AddRequest(key) {
		return nil
	}
	p.publisher.ServiceEvent(observability.EventRequest, key)
	if p.registered() {
		p.debounce.Trigger()
	}
	return nil
}

// ReleaseService withdraws interest. A request still sitting in the
// debounce buffer is cancelled silently; one the host knows about is
// released explicitly.
func (p *RoutingProxy) ReleaseService(service, instance uint16, major uint8, minor uint32) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.ServiceKey{Service: service, Instance: instance, Major: major, Minor: minor}
	sent := p.registry.ReleaseRequest(key)
	p.publisher.ServiceEvent(observability.EventRelease, key)
	if sent && p.registered() {
		p.sendHost(command.Frame{
			ID:      command.ReleaseService,
			Client:  p.ClientID(),
			Payload: command.EncodeServiceCommand(command.ServiceCommandPayload{Key: key}),
		})
	}
	return nil
}

// RegisterEvent declares an event or field, provider- or consumer-side.
func (p *RoutingProxy) RegisterEvent(service, instance, notifier uint16, eventgroups []uint16,
	eventType uint8, reliability, cyclic, isProvided bool) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.EventKey{Service: service, Instance: instance, Notifier: notifier}
	changed := p.registry.RegisterEvent(key, eventgroups, eventType, reliability, cyclic, isProvided)
	if changed && p.registered() {
		client := p.ClientID()
		for _, reg := range p.registry.UnsentEvents() {
			p.sendHost(command.Frame{
				ID:      command.RegisterEvent,
				Client:  client,
				Payload: command.EncodeEventRegistration(reg),
			})
		}
	}
	return nil
}

// UnregisterEvent withdraws an event registration.
func (p *RoutingProxy) UnregisterEvent(service, instance, notifier uint16) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.EventKey{Service: service, Instance: instance, Notifier: notifier}
	if !p.registry.UnregisterEvent(key) {
		return nil
	}
	if p.registered() {
		p.sendHost(command.Frame{
			ID:      command.UnregisterEvent,
			Client:  p.ClientID(),
			Payload: command.EncodeEventRegistration(command.EventRegistrationPayload{Key: key}),
		})
	}
	return nil
}

// Subscribe expresses subscription intent. The SUBSCRIBE goes out when
// the proxy is registered and the service available; either way the
// intent survives reconnects. A security denial is logged and swallowed,
// never surfaced to the application.
func (p *RoutingProxy) Subscribe(service, instance, eventgroup uint16, major uint8, event uint16, filter []byte) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.SubscriptionKey{Service: service, Instance: instance, Eventgroup: eventgroup, Event: event}

	if p.cfg.Get().Proxy.Security.Enabled {
		member := event
		if event == command.AnyEvent {
			member = eventgroup
		}
		if !p.policy.IsClientAllowedToAccessMember(p.ownSec, service, instance, member) {
			p.logger.Warn("subscribe denied by security policy",
				"service", key.String(), "member", member)
			if p.metrics != nil {
				p.metrics.RecordSecurityDenial(command.Subscribe.String())
			}
			return nil
		}
	}

	sub := intent.Subscription{Key: key, Major: major, Filter: filter, Sec: p.ownSec}
	if !p.registry.AddSubscription(sub) {
		return nil
	}
	p.publisher.SubscriptionEvent(observability.EventSubscription, key, "")

	if p.registered() && p.services.Available(service, instance) {
		p.emitSubscribe(sub)
	}
	return nil
}

// emitSubscribe sends one SUBSCRIBE, directly to a local provider when
// one is reachable, else via the host.
func (p *RoutingProxy) emitSubscribe(s intent.Subscription) {
	payload := command.EncodeSubscribe(command.SubscribePayload{
		Key:       s.Key,
		Major:     s.Major,
		PendingID: command.PendingSubscriptionID,
		Client:    p.ClientID(),
	})
	f := command.Frame{ID: command.Subscribe, Client: p.ClientID(), Payload: payload}

	target := command.RoutingClient
	if owner, ok := p.services.OwnerOf(s.Key.Service, s.Key.Instance); ok && owner != command.RoutingClient {
		target = owner
	}
	if p.sendTo(target, f) {
		p.engine.MarkSubscribing(s.Key)
	}
}

// Unsubscribe withdraws subscription intent.
func (p *RoutingProxy) Unsubscribe(service, instance, eventgroup, event uint16) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	key := command.SubscriptionKey{Service: service, Instance: instance, Eventgroup: eventgroup, Event: event}
	if _, ok := p.registry.RemoveSubscription(key); !ok {
		return nil
	}
	p.engine.MarkUnsubscribed(key)
	p.publisher.SubscriptionEvent(observability.EventUnsubscription, key, "")

	if p.registered() {
		payload := command.EncodeSubscribe(command.SubscribePayload{
			Key:       key,
			PendingID: command.PendingSubscriptionID,
			Client:    p.ClientID(),
		})
		f := command.Frame{ID: command.Unsubscribe, Client: p.ClientID(), Payload: payload}
		target := command.RoutingClient
		if owner, ok := p.services.OwnerOf(service, instance); ok && owner != command.RoutingClient {
			target = owner
		}
		p.sendTo(target, f)
	}
	return nil
}

// Send routes one application message per §4.6.
func (p *RoutingProxy) Send(target command.ClientID, message []byte, instance uint16, reliable bool) error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	return p.router.Send(target, message, instance, reliable)
}

// SendGetOfferedServicesInfo queries the host for offered services; the
// answer arrives via the application host's OnOfferedServicesInfo.
func (p *RoutingProxy) SendGetOfferedServicesInfo() error {
	if err := p.refuseWhenStopped(); err != nil {
		return err
	}
	if !p.registered() {
		return errors.WrapTransient(errors.ErrNotRegistered, "proxy", "SendGetOfferedServicesInfo", "query offered services")
	}
	p.sendHost(command.Frame{ID: command.OfferedServicesRequest, Client: p.ClientID()})
	return nil
}

func (p *RoutingProxy) refuseWhenStopped() error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopped {
		return errors.ErrShuttingDown
	}
	return nil
}
