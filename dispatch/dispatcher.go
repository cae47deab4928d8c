package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/metrics"
	"github.com/duartenfonseca/vsomeip/security"
	"github.com/duartenfonseca/vsomeip/subscription"
)

// Hooks are the lifecycle callbacks the dispatcher drives on the proxy.
type Hooks struct {
	// OnAssignAck delivers the assigned client id (UnsetClient on failure).
	OnAssignAck func(assigned command.ClientID)
	// OnSelfAdded fires when ROUTING_INFO announces this proxy: the
	// Registering to Registered commit point.
	OnSelfAdded func()
	// OnSelfRemoved fires when ROUTING_INFO withdraws this proxy.
	OnSelfRemoved func()
	// OnServiceAvailable fires per ADD_SERVICE_INSTANCE entry, after the
	// service table is updated; the proxy flushes matching pending
	// subscriptions.
	OnServiceAvailable func(key command.ServiceKey)
	// OnPong marks the keepalive alive.
	OnPong func()
	// ResendProvidedEvents re-announces every provider-side event
	// registration to the host.
	ResendProvidedEvents func()
}

// Options snapshot the configuration the gate needs per frame.
type Options struct {
	SecurityEnabled bool
	SecurityLocal   bool
}

// Dispatcher consumes inbound frames one at a time. A single dispatcher
// serves both the sender and receiver read paths; per-connection ordering
// is preserved by the callers.
type Dispatcher struct {
	opts        Options
	localClient func() command.ClientID
	ownSec      func() security.SecClient

	policy   security.Manager
	registry *intent.Registry
	known    *intent.KnownClients
	services *intent.ServiceTable
	fields   *intent.FieldCache
	engine   *subscription.Engine
	host     apphost.Host
	hooks    Hooks

	// sendHost reaches the routing host.
	sendHost func(frames ...command.Frame) bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a dispatcher. metrics may be nil.
func New(opts Options, localClient func() command.ClientID, ownSec func() security.SecClient,
	policy security.Manager, registry *intent.Registry, known *intent.KnownClients,
	services *intent.ServiceTable, fields *intent.FieldCache, engine *subscription.Engine,
	host apphost.Host, hooks Hooks,
	sendHost func(frames ...command.Frame) bool,
	logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		opts:        opts,
		localClient: localClient,
		ownSec:      ownSec,
		policy:      policy,
		registry:    registry,
		known:       known,
		services:    services,
		fields:      fields,
		engine:      engine,
		host:        host,
		hooks:       hooks,
		sendHost:    sendHost,
		logger:      logger,
		metrics:     m,
	}
}

// Dispatch applies the security gate and runs one frame to completion.
func (d *Dispatcher) Dispatch(origin Origin, f command.Frame) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.RecordCommandDispatched(f.ID.String())
		defer func() { d.metrics.RecordDispatchDuration(f.ID.String(), time.Since(start)) }()
	}

	// Gate 2 of §4.5: local peers must not spoof another client's id.
	if d.opts.SecurityEnabled && d.opts.SecurityLocal && !origin.FromHost &&
		origin.Sender != command.UnsetClient && f.Client != origin.Sender {
		d.deny(f, "frame client does not match bound client")
		return
	}

	switch f.ID {
	case command.AssignClientAck:
		d.handleAssignAck(origin, f)
	case command.RoutingInfo:
		d.handleRoutingInfo(origin, f)
	case command.Send, command.Notify, command.NotifyOne:
		d.handleSend(origin, f)
	case command.Subscribe:
		d.handleSubscribe(origin, f)
	case command.Unsubscribe, command.Expire:
		d.handleUnsubscribe(f, f.ID == command.Expire)
	case command.SubscribeAck:
		if p, err := command.DecodeSubscribeAckNack(f.Payload); err == nil {
			d.engine.HandleAck(p)
		} else {
			d.drop(f, err)
		}
	case command.SubscribeNack:
		if p, err := command.DecodeSubscribeAckNack(f.Payload); err == nil {
			d.engine.HandleNack(p)
		} else {
			d.drop(f, err)
		}
	case command.UnsubscribeAck:
		// Correlation only; nothing to update.
		d.logger.Debug("unsubscribe acknowledged", "client", hexClient(f.Client))
	case command.Ping:
		d.sendHost(command.Frame{ID: command.Pong, Client: d.localClient()})
	case command.Pong:
		if origin.FromHost && d.hooks.OnPong != nil {
			d.hooks.OnPong()
		}
	case command.Config:
		d.handleConfig(f)
	case command.ResendProvidedEvents:
		d.handleResendProvidedEvents(origin)
	case command.OfferedServicesRequest:
		d.handleOfferedServicesRequest(origin)
	case command.OfferedServicesResponse:
		d.handleOfferedServicesResponse(origin, f)
	case command.UpdateSecurityPolicy, command.DistributeSecurityPolicy:
		d.handlePolicyUpdate(origin, f)
	case command.RemoveSecurityPolicy:
		d.handlePolicyRemove(origin, f)
	case command.UpdateSecurityCredentials:
		d.handleCredentials(origin, f)
	case command.Suspend:
		if origin.FromHost {
			d.engine.Suspend()
		}
	default:
		d.logger.Debug("ignoring unknown command", "id", fmt.Sprintf("0x%02x", uint8(f.ID)))
	}
}

func (d *Dispatcher) handleAssignAck(origin Origin, f command.Frame) {
	if !origin.FromHost {
		d.deny(f, "assign ack from non-host origin")
		return
	}
	p, err := command.DecodeAssignClientAck(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	if d.hooks.OnAssignAck != nil {
		d.hooks.OnAssignAck(p.Assigned)
	}
}

func (d *Dispatcher) handleRoutingInfo(origin Origin, f command.Frame) {
	if d.opts.SecurityEnabled && !origin.FromHost {
		d.deny(f, "routing info from non-host origin")
		return
	}
	p, err := command.DecodeRoutingInfo(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}

	self := d.localClient()
	for _, e := range p.Entries {
		switch e.Type {
		case command.AddClient:
			if e.Client == self {
				if d.hooks.OnSelfAdded != nil {
					d.hooks.OnSelfAdded()
				}
				continue
			}
			d.known.Add(e.Client, intent.ClientInfo{Address: e.Address, Port: e.Port})
		case command.DeleteClient:
			if e.Client == self {
				if d.hooks.OnSelfRemoved != nil {
					d.hooks.OnSelfRemoved()
				}
				continue
			}
			d.known.Remove(e.Client)
			d.policy.RemoveClientToSec(e.Client)
		case command.AddServiceInstance:
			d.services.Add(e.Service, e.Client)
			d.notifyAvailability(e.Service, true)
			if d.hooks.OnServiceAvailable != nil {
				d.hooks.OnServiceAvailable(e.Service)
			}
		case command.DeleteServiceInstance:
			d.services.Remove(e.Service)
			// Stale field values must not be served to late subscribers of
			// a re-offered instance.
			d.fields.ClearInstance(e.Service.Service, e.Service.Instance)
			d.notifyAvailability(e.Service, false)
		}
	}

	// Parked subscribes from peers this frame just announced.
	for _, parked := range d.registry.TakeIncomingSubscribes(d.known.Known) {
		d.engine.HandleSubscribe(parked.Sender, parked.Payload)
	}
}

func (d *Dispatcher) notifyAvailability(key command.ServiceKey, available bool) {
	defer d.recoverCallback("on_availability")
	d.host.OnAvailability(key, available)
}

func (d *Dispatcher) handleSend(origin Origin, f command.Frame) {
	p, err := command.DecodeSend(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	msgType, ok := command.PeekMessageType(p.Message)
	if !ok {
		d.drop(f, command.ErrShortFrame)
		return
	}
	service, _ := command.PeekService(p.Message)
	method, _ := command.PeekMethod(p.Message)

	if d.opts.SecurityEnabled {
		switch {
		case msgType == command.MessageTypeRequest:
			if !origin.FromHost && !d.policy.IsClientAllowedToAccessMember(origin.Sec, service, p.Instance, method) {
				d.denyMember(f, service, p.Instance, method, "request denied for sender")
				return
			}
		case origin.FromHost && msgType == command.MessageTypeNotification:
			if !d.policy.IsClientAllowedToAccessMember(d.ownSec(), service, p.Instance, method) {
				d.denyMember(f, service, p.Instance, method, "notification not accessible for this application")
				return
			}
		default:
			if !origin.FromHost && !d.policy.IsClientAllowedToOffer(origin.Sec, service, p.Instance) {
				d.denyMember(f, service, p.Instance, method, "sender not allowed to offer")
				return
			}
		}
	}

	if msgType == command.MessageTypeNotification {
		key := command.EventKey{Service: service, Instance: p.Instance, Notifier: method}
		if reg, ok := d.registry.Event(key); ok && reg.Type == intent.EventTypeField {
			d.fields.Set(key, p.Message)
		}
	}

	func() {
		defer d.recoverCallback("on_message")
		d.host.OnMessage(p.Instance, p.Message)
	}()
}

func (d *Dispatcher) handleSubscribe(origin Origin, f command.Frame) {
	p, err := command.DecodeSubscribe(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}

	if d.opts.SecurityEnabled && !origin.FromHost {
		member := p.Key.Event
		if member == command.AnyEvent {
			member = p.Key.Eventgroup
		}
		if !d.policy.IsClientAllowedToAccessMember(origin.Sec, p.Key.Service, p.Key.Instance, member) {
			d.denyMember(f, p.Key.Service, p.Key.Instance, member, "subscribe denied")
			return
		}
	}

	if p.PendingID == command.PendingSubscriptionID {
		// A local peer subscribing to us. If its client id has not been
		// announced yet, park until the corresponding routing info arrives.
		if !d.known.Known(f.Client) && !origin.FromHost {
			d.registry.ParkIncomingSubscribe(f.Client, p)
			d.logger.Debug("parked subscribe from unknown peer", "client", hexClient(f.Client))
			return
		}
		d.engine.HandleSubscribe(f.Client, p)
		return
	}
	// Relayed by the host for a remote subscriber; the ack travels back
	// through the host.
	d.engine.HandleSubscribe(command.RoutingClient, p)
}

// handleUnsubscribe accepts UNSUBSCRIBE and EXPIRE from any origin.
func (d *Dispatcher) handleUnsubscribe(f command.Frame, expired bool) {
	p, err := command.DecodeSubscribe(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	replyTo := f.Client
	if p.PendingID != command.PendingSubscriptionID {
		replyTo = command.RoutingClient
	}
	d.engine.HandleUnsubscribe(replyTo, p, expired)
}

func (d *Dispatcher) handleConfig(f command.Frame) {
	p, err := command.DecodeConfig(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	if hostname, ok := p.Entries["hostname"]; ok {
		d.known.SetHostname(f.Client, hostname)
		d.logger.Debug("recorded peer hostname", "client", hexClient(f.Client), "hostname", hostname)
	}
}

func (d *Dispatcher) handleResendProvidedEvents(origin Origin) {
	if !origin.FromHost {
		return
	}
	if d.hooks.ResendProvidedEvents != nil {
		d.hooks.ResendProvidedEvents()
	}
	// Ack so the host knows the re-announcement is complete.
	d.sendHost(command.Frame{ID: command.ResendProvidedEvents, Client: d.localClient()})
}

func (d *Dispatcher) handleOfferedServicesRequest(origin Origin) {
	if d.opts.SecurityEnabled && !origin.FromHost {
		return
	}
	d.sendHost(command.Frame{
		ID:      command.OfferedServicesResponse,
		Client:  d.localClient(),
		Payload: command.EncodeOfferedServices(command.OfferedServicesPayload{Services: d.registry.Offers()}),
	})
}

func (d *Dispatcher) handleOfferedServicesResponse(origin Origin, f command.Frame) {
	if d.opts.SecurityEnabled && !origin.FromHost {
		d.deny(f, "offered services response from non-host origin")
		return
	}
	p, err := command.DecodeOfferedServices(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	services := make([]apphost.OfferedService, 0, len(p.Services))
	for _, k := range p.Services {
		services = append(services, apphost.OfferedService{Key: k})
	}
	func() {
		defer d.recoverCallback("on_offered_services_info")
		d.host.OnOfferedServicesInfo(services)
	}()
}

func (d *Dispatcher) handlePolicyUpdate(origin Origin, f command.Frame) {
	if d.opts.SecurityEnabled && !origin.FromHost {
		d.deny(f, "policy update from non-host origin")
		return
	}
	p, err := command.DecodeSecurityPolicy(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	responseID := command.UpdateSecurityPolicyResponse
	if f.ID == command.DistributeSecurityPolicy {
		responseID = command.DistributeSecurityPolicyResponse
	}

	policy, err := security.ParsePolicyBlob(p.UID, p.GID, p.Blob)
	if err != nil {
		d.drop(f, err)
		return
	}
	if !d.policy.IsPolicyUpdateAllowed(p.UID, policy) {
		d.deny(f, "policy update not allowed for uid")
		return
	}
	d.policy.UpdateSecurityPolicy(policy)
	d.sendHost(command.Frame{
		ID:      responseID,
		Client:  d.localClient(),
		Payload: command.EncodeSecurityPolicyResponse(command.SecurityPolicyResponsePayload{UpdateID: p.UpdateID}),
	})
}

func (d *Dispatcher) handlePolicyRemove(origin Origin, f command.Frame) {
	if d.opts.SecurityEnabled && !origin.FromHost {
		d.deny(f, "policy removal from non-host origin")
		return
	}
	p, err := command.DecodeSecurityPolicy(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	d.policy.RemoveSecurityPolicy(p.UID, p.GID)
	d.sendHost(command.Frame{
		ID:      command.RemoveSecurityPolicyResponse,
		Client:  d.localClient(),
		Payload: command.EncodeSecurityPolicyResponse(command.SecurityPolicyResponsePayload{UpdateID: p.UpdateID}),
	})
}

func (d *Dispatcher) handleCredentials(origin Origin, f command.Frame) {
	if !origin.FromHost {
		d.deny(f, "credential update from non-host origin")
		return
	}
	p, err := command.DecodeSecurityCredentials(f.Payload)
	if err != nil {
		d.drop(f, err)
		return
	}
	d.policy.UpdateSecurityCredentials(p.Credentials)
}

// deny logs a security denial and drops the frame. Denials are never
// surfaced to the application.
func (d *Dispatcher) deny(f command.Frame, rule string) {
	d.logger.Warn("security gate dropped command",
		"command", f.ID.String(), "client", hexClient(f.Client), "rule", rule)
	if d.metrics != nil {
		d.metrics.RecordSecurityDenial(f.ID.String())
	}
}

func (d *Dispatcher) denyMember(f command.Frame, service, instance, member uint16, rule string) {
	d.logger.Warn("security gate dropped command",
		"command", f.ID.String(), "client", hexClient(f.Client),
		"service", fmt.Sprintf("%04x", service), "instance", fmt.Sprintf("%04x", instance),
		"method", fmt.Sprintf("%04x", member), "rule", rule)
	if d.metrics != nil {
		d.metrics.RecordSecurityDenial(f.ID.String())
	}
}

func (d *Dispatcher) drop(f command.Frame, err error) {
	d.logger.Warn("discarding undecodable frame", "command", f.ID.String(), "error", err)
}

func (d *Dispatcher) recoverCallback(name string) {
	if r := recover(); r != nil {
		d.logger.Error("application host callback panicked", "callback", name, "panic", r)
	}
}

func hexClient(c command.ClientID) string {
	return fmt.Sprintf("%04x", uint16(c))
}
