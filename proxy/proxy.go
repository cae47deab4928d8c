package proxy

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/config"
	"github.com/duartenfonseca/vsomeip/dispatch"
	"github.com/duartenfonseca/vsomeip/errors"
	"github.com/duartenfonseca/vsomeip/health"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/metrics"
	"github.com/duartenfonseca/vsomeip/observability"
	"github.com/duartenfonseca/vsomeip/outbound"
	"github.com/duartenfonseca/vsomeip/proxystate"
	"github.com/duartenfonseca/vsomeip/security"
	"github.com/duartenfonseca/vsomeip/subscription"
	"github.com/duartenfonseca/vsomeip/timers"
	"github.com/duartenfonseca/vsomeip/transport"
)

// RoutingProxy is one application's client side of the routing fabric.
type RoutingProxy struct {
	cfg    *config.SafeConfig
	host   apphost.Host
	policy security.Manager
	logger *slog.Logger

	ownSec  security.SecClient
	client  atomic.Uint32 // command.ClientID
	machine *proxystate.Machine

	registry *intent.Registry
	known    *intent.KnownClients
	services *intent.ServiceTable
	fields   *intent.FieldCache

	engine     *subscription.Engine
	dispatcher *dispatch.Dispatcher
	router     *outbound.Router
	endpoints  *transport.Endpoints

	keepalive *timers.Keepalive
	debounce  *timers.Debounce

	publisher *observability.Publisher
	monitor   *health.Monitor
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sender   *transport.Client
	receiver *transport.Receiver

	stopMu   sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

// Options carries the optional collaborators.
type Options struct {
	Policy  security.Manager
	NATS    observability.NATSPublisher
	Metrics *metrics.Metrics
	Monitor *health.Monitor
	Logger  *slog.Logger
}

// New builds a proxy around cfg and the application host. The proxy does
// not touch the network until Start.
func New(cfg *config.SafeConfig, host apphost.Host, opts Options) *RoutingProxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		policy = security.NewPolicyManager()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = health.NewMonitor()
	}

	p := &RoutingProxy{
		cfg:      cfg,
		host:     host,
		policy:   policy,
		logger:   logger.With("app", host.GetName()),
		ownSec:   security.SecClient{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())},
		registry: intent.NewRegistry(),
		known:    intent.NewKnownClients(),
		services: intent.NewServiceTable(),
		fields:   intent.NewFieldCache(),
		monitor:  monitor,
		metrics:  opts.Metrics,
	}

	snapshot := cfg.Get()
	p.machine = proxystate.NewMachine(p.onWatchdogExpired)
	p.publisher = observability.NewPublisher(opts.NATS, snapshot.GetOrg(), snapshot.Platform.ID,
		host.GetName(), p.ClientID, p.logger)

	p.endpoints = transport.NewEndpoints(p.resolvePeer, p.onPeerError, p.logger)
	p.engine = subscription.NewEngine(p.ClientID, p.registry, p.fields, host, p.sendTo, p.logger, p.metrics)
	p.router = outbound.NewRouter(p.ClientID, p.registered, p.services, p.registry, p.fields,
		p.engine, hostSenderFunc(p.sendHost), p.endpoints, p.logger)

	p.dispatcher = dispatch.New(
		dispatch.Options{
			SecurityEnabled: snapshot.Proxy.Security.Enabled,
			SecurityLocal:   snapshot.Proxy.Security.Local,
		},
		p.ClientID, func() security.SecClient { return p.ownSec },
		policy, p.registry, p.known, p.services, p.fields, p.engine, host,
		dispatch.Hooks{
			OnAssignAck:          p.onAssignAck,
			OnSelfAdded:          p.onSelfAdded,
			OnSelfRemoved:        p.onSelfRemoved,
			OnServiceAvailable:   p.onServiceAvailable,
			OnPong:               p.onPong,
			ResendProvidedEvents: p.resendProvidedEvents,
		},
		p.sendHost, p.logger, p.metrics)

	p.debounce = timers.NewDebounce(snapshot.Proxy.RequestDebounce, p.flushRequests, p.logger)
	if snapshot.Proxy.Keepalive.Enabled {
		p.keepalive = timers.NewKeepalive(snapshot.Proxy.Keepalive.Interval, p.sendPing, p.onKeepaliveMiss, p.logger)
	}
	return p
}

type hostSenderFunc func(frames ...command.Frame) bool

func (f hostSenderFunc) Send(frames ...command.Frame) bool { return f(frames...) }

// ClientID returns the currently assigned client id.
func (p *RoutingProxy) ClientID() command.ClientID {
	return command.ClientID(p.client.Load())
}

func (p *RoutingProxy) setClient(c command.ClientID) {
	p.client.Store(uint32(c))
}

func (p *RoutingProxy) registered() bool {
	return p.machine.Is(proxystate.Registered)
}

// State reports the registration state, for the gateway view.
func (p *RoutingProxy) State() string { return p.machine.Get().String() }

// OfferedServices reports active offers, for the gateway view.
func (p *RoutingProxy) OfferedServices() []command.ServiceKey { return p.registry.Offers() }

// SubscriptionStates reports outbound subscription states, for the
// gateway view.
func (p *RoutingProxy) SubscriptionStates() map[command.SubscriptionKey]subscription.State {
	return p.engine.Snapshot()
}

// Start connects to the routing host and begins the assign/register
// cycle. It returns immediately; registration completion is reported via
// the application host's OnState callback.
func (p *RoutingProxy) Start(ctx context.Context) error {
	p.stopMu.Lock()
	if p.stopped {
		p.stopMu.Unlock()
		return errors.ErrShuttingDown
	}
	p.stopMu.Unlock()

	snapshot := p.cfg.Get()
	addr := transport.Address{
		Local:    snapshot.Proxy.RoutingHost.Local,
		BasePath: snapshot.Proxy.RoutingHost.BasePath,
		Host:     snapshot.Proxy.RoutingHost.Host,
		Port:     snapshot.Proxy.RoutingHost.Port,
	}

	p.mu.Lock()
	if p.sender != nil {
		p.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	sender := transport.NewClient(addr, p.onHostConnect, p.onHostDisconnect, p.onHostMessage)
	p.sender = sender
	p.mu.Unlock()

	p.monitor.UpdateDegraded("transport", "connecting")
	sender.Start(ctx)
	p.logger.Info("proxy starting", "local", addr.Local)
	return nil
}

// Stop deregisters, tears the transport down, and removes the local
// rendezvous socket. It blocks up to the configured shutdown timeout for
// an in-flight registration to settle.
func (p *RoutingProxy) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *RoutingProxy) stop() {
	p.stopMu.Lock()
	p.stopped = true
	p.stopMu.Unlock()

	timeout := p.cfg.Get().Proxy.ShutdownTimeout

	// Let an in-flight registration settle before deregistering, so the
	// host never observes a DEREGISTER for a client it has not finished
	// adding.
	if p.machine.Get() == proxystate.Registering {
		p.machine.Wait(timeout, func(s proxystate.State) bool {
			return s == proxystate.Registered || s == proxystate.Deregistered
		})
	}

	if p.machine.Get() == proxystate.Registered {
		p.sendHost(command.Frame{ID: command.DeregisterApplication, Client: p.ClientID()})
		p.machine.Wait(timeout, func(s proxystate.State) bool { return s == proxystate.Deregistered })
	}

	p.debounce.Stop()
	if p.keepalive != nil {
		p.keepalive.Stop()
	}
	p.machine.Set(proxystate.Deregistered)
	p.machine.Close()

	p.mu.Lock()
	sender, receiver := p.sender, p.receiver
	p.sender, p.receiver = nil, nil
	p.mu.Unlock()

	p.endpoints.CloseAll()
	if receiver != nil {
		_ = receiver.Close()
	}
	if sender != nil {
		sender.Stop()
	}
	p.monitor.UpdateUnhealthy("transport", "stopped")
	p.logger.Info("proxy stopped")
}

// --- registration lifecycle -------------------------------------------

func (p *RoutingProxy) onHostConnect() {
	p.monitor.UpdateHealthy("transport", "connected")
	if p.metrics != nil {
		p.metrics.SetRoutingHostConnected(true)
	}
	p.assignClient()
}

func (p *RoutingProxy) assignClient() {
	if !p.machine.Transition(proxystate.Deregistered, proxystate.Assigning) {
		return
	}
	name := p.host.GetName()
	ok := p.sendHost(command.Frame{
		ID:      command.AssignClient,
		Client:  p.ClientID(),
		Payload: command.EncodeAssignClient(command.AssignClientPayload{Name: name}),
	})
	if !ok {
		p.machine.Set(proxystate.Deregistered)
		return
	}
	p.logger.Debug("requested client assignment", "name", name)
}

func (p *RoutingProxy) onAssignAck(assigned command.ClientID) {
	if assigned == command.UnsetClient {
		// Treated as failure; the assign watchdog will restart the sender.
		p.logger.Error("routing host returned an unset client id")
		return
	}
	if !p.machine.Transition(proxystate.Assigning, proxystate.Assigned) {
		return
	}
	p.setClient(assigned)
	p.host.SetClient(assigned)
	p.logger.Info("client assigned", "client", assigned)

	snapshot := p.cfg.Get()
	var port uint16
	if err := p.startReceiver(snapshot, assigned); err != nil {
		p.logger.Error("receiver start failed", "error", err)
		p.machine.Set(proxystate.Deregistered)
		p.restartSender()
		return
	}
	p.mu.Lock()
	if p.receiver != nil {
		port = p.receiver.Port()
	}
	p.mu.Unlock()
	p.host.SetSecClientPort(port)

	p.machine.Set(proxystate.Registering)
	// REGISTER_APPLICATION and CONFIG go out back to back on the same
	// connection.
	ok := p.sendHost(
		command.Frame{
			ID:      command.RegisterApplication,
			Client:  assigned,
			Payload: command.EncodeRegisterApplication(command.RegisterApplicationPayload{Port: port}),
		},
		command.Frame{
			ID:      command.Config,
			Client:  assigned,
			Payload: command.EncodeConfig(command.ConfigPayload{Entries: map[string]string{"hostname": snapshot.Proxy.Hostname}}),
		},
	)
	if !ok {
		p.machine.Set(proxystate.Deregistered)
	}
}

func (p *RoutingProxy) startReceiver(snapshot *config.Config, client command.ClientID) error {
	var (
		receiver *transport.Receiver
		err      error
	)
	if snapshot.Proxy.RoutingHost.Local {
		receiver, err = transport.NewLocalReceiver(snapshot.Proxy.RoutingHost.BasePath, client, p.onPeerMessage)
	} else {
		receiver, err = transport.NewTCPReceiver("", p.onPeerMessage)
	}
	if err != nil {
		return errors.WrapTransient(err, "proxy", "startReceiver", "bind receiver")
	}
	p.mu.Lock()
	old := p.receiver
	p.receiver = receiver
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// onSelfAdded is the Registering to Registered commit point: ack, replay
// all intent, start keepalive, then notify the application.
func (p *RoutingProxy) onSelfAdded() {
	if p.machine.Get() == proxystate.Registered {
		// Re-announcement of an already registered client.
		return
	}
	if !p.machine.Transition(proxystate.Registering, proxystate.Registered) {
		return
	}
	client := p.ClientID()

	ok := p.sendHost(command.Frame{ID: command.RegisteredAck, Client: client})
	if ok {
		ok = p.replayIntent(client)
	}
	if !ok {
		p.logger.Warn("registration commit failed, reverting")
		p.machine.Set(proxystate.Deregistered)
		p.restartSender()
		return
	}

	if p.keepalive != nil {
		p.keepalive.Start()
	}
	p.monitor.UpdateHealthy("registration", "registered")
	p.publisher.StateChange(proxystate.Registered.String())
	p.logger.Info("registered with routing host", "client", client)
	p.notifyState(apphost.StateRegistered)
}

// replayIntent re-announces offers, requests, and event registrations in
// that order. Subscriptions replay as their services become available.
func (p *RoutingProxy) replayIntent(client command.ClientID) bool {
	for _, key := range p.registry.Offers() {
		ok := p.sendHost(command.Frame{
			ID:      command.OfferService,
			Client:  client,
			Payload: command.EncodeServiceCommand(command.ServiceCommandPayload{Key: key}),
		})
		if !ok {
			return false
		}
	}

	if requests := p.registry.FlushRequests(); len(requests) > 0 {
		ok := p.sendHost(command.Frame{
			ID:      command.RequestService,
			Client:  client,
			Payload: command.EncodeRequestServices(command.RequestServicesPayload{Requests: requests}),
		})
		if !ok {
			return false
		}
	}

	for _, reg := range p.registry.UnsentEvents() {
		ok := p.sendHost(command.Frame{
			ID:      command.RegisterEvent,
			Client:  client,
			Payload: command.EncodeEventRegistration(reg),
		})
		if !ok {
			return false
		}
	}
	return true
}

func (p *RoutingProxy) onSelfRemoved() {
	p.logger.Warn("routing host withdrew this client")
	p.deregister()
}

func (p *RoutingProxy) onHostDisconnect(err error) {
	p.monitor.UpdateUnhealthy("transport", "disconnected")
	if p.metrics != nil {
		p.metrics.SetRoutingHostConnected(false)
	}
	if err != nil {
		p.logger.Warn("routing host connection lost", "error", err)
	}
	p.publisher.Reconnect("sender disconnected")
	p.deregister()
}

// deregister resets the lifecycle so the next transport connect replays
// all intent from scratch.
func (p *RoutingProxy) deregister() {
	prev := p.machine.Set(proxystate.Deregistered)
	if p.keepalive != nil {
		p.keepalive.Stop()
	}
	p.registry.ResetSent()
	p.engine.ResetOutbound()
	p.endpoints.CloseAll()
	p.setClient(command.UnsetClient)
	p.monitor.UpdateDegraded("registration", "deregistered")

	if prev != proxystate.Deregistered {
		p.publisher.StateChange(proxystate.Deregistered.String())
		p.notifyState(apphost.StateDeregistered)
	}
}

func (p *RoutingProxy) notifyState(s apphost.State) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("application host callback panicked", "callback", "on_state", "panic", r)
		}
	}()
	p.host.OnState(s)
}

func (p *RoutingProxy) onWatchdogExpired(phase proxystate.State) {
	p.logger.Warn("registration watchdog expired", "phase", phase.String())
	if p.metrics != nil {
		if phase == proxystate.Assigning {
			p.metrics.RecordAssignTimeout()
		} else {
			p.metrics.RecordRegistrationRetry()
		}
	}
	p.machine.Set(proxystate.Deregistered)
	p.restartSender()
}

func (p *RoutingProxy) restartSender() {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender != nil {
		sender.Restart()
	}
}

// --- timers -----------------------------------------------------------

func (p *RoutingProxy) sendPing() bool {
	return p.sendHost(command.Frame{ID: command.Ping, Client: p.ClientID()})
}

func (p *RoutingProxy) onPong() {
	if p.keepalive != nil {
		p.keepalive.Pong()
	}
}

func (p *RoutingProxy) onKeepaliveMiss() {
	if p.metrics != nil {
		p.metrics.RecordKeepaliveMiss()
	}
	p.publisher.KeepaliveMiss()
	p.monitor.UpdateUnhealthy("keepalive", "pong missed")
	// A client error for the routing host: restart the sender, which
	// drives the full reassign cycle.
	p.restartSender()
}

// flushRequests is the debounce flush: one REQUEST_SERVICE containing the
// whole buffered window. Deferred while not registered; the registration
// commit flushes the buffer itself.
func (p *RoutingProxy) flushRequests() {
	if !p.registered() {
		return
	}
	requests := p.registry.FlushRequests()
	if len(requests) == 0 {
		return
	}
	if p.metrics != nil {
		p.metrics.RecordDebounceFlush(requests[0].String(), len(requests))
	}
	ok := p.sendHost(command.Frame{
		ID:      command.RequestService,
		Client:  p.ClientID(),
		Payload: command.EncodeRequestServices(command.RequestServicesPayload{Requests: requests}),
	})
	if !ok {
		p.logger.Warn("request flush failed", "requests", len(requests))
	}
}

// --- transport glue ---------------------------------------------------

func (p *RoutingProxy) sendHost(frames ...command.Frame) bool {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return false
	}
	return sender.Send(frames...)
}

// sendTo reaches one client: the host directly, a peer via its endpoint
// with host fallback.
func (p *RoutingProxy) sendTo(to command.ClientID, frames ...command.Frame) bool {
	if to == command.RoutingClient {
		return p.sendHost(frames...)
	}
	if p.endpoints.Send(to, frames...) {
		return true
	}
	return p.sendHost(frames...)
}

func (p *RoutingProxy) onHostMessage(f command.Frame) {
	p.dispatcher.Dispatch(dispatch.HostOrigin(), f)
}

func (p *RoutingProxy) onPeerMessage(addr net.Addr, bound command.ClientID, f command.Frame) {
	snapshot := p.cfg.Get()
	origin := dispatch.OriginForPeer(f, addr, bound,
		snapshot.Proxy.RoutingHost.Local, transport.HostRendezvousClient,
		snapshot.Proxy.RoutingHost.Host, snapshot.Proxy.RoutingHost.Port)
	p.dispatcher.Dispatch(origin, f)
}

func (p *RoutingProxy) resolvePeer(client command.ClientID) (string, string, bool) {
	snapshot := p.cfg.Get()
	if snapshot.Proxy.RoutingHost.Local {
		return "unix", transport.LocalPath(snapshot.Proxy.RoutingHost.BasePath, client), true
	}
	info, ok := p.known.Get(client)
	if !ok || info.Address == "" || info.Port == 0 {
		return "", "", false
	}
	return "tcp", net.JoinHostPort(info.Address, strconv.Itoa(int(info.Port))), true
}

// onPeerError is §7's peer-client-error path: the endpoint is already
// detached; forget the peer and re-request what it owned.
func (p *RoutingProxy) onPeerError(peer command.ClientID) {
	p.logger.Warn("peer endpoint failed", "peer", peer)
	p.known.Remove(peer)
	p.policy.RemoveClientToSec(peer)
	p.router.HandleClientError(peer, func(key command.ServiceKey) {
		if p.registry.AddRequest(key) {
			p.debounce.Trigger()
		}
	})
}

// onServiceAvailable replays pending subscriptions targeting the service
// that just appeared.
func (p *RoutingProxy) onServiceAvailable(key command.ServiceKey) {
	if !p.registered() {
		return
	}
	for _, s := range p.registry.SubscriptionsFor(key.Service, key.Instance) {
		state := p.engine.OutboundState(s.Key)
		if state == subscription.Subscribing || state == subscription.Subscribed {
			continue
		}
		p.emitSubscribe(s)
	}
}

// resendProvidedEvents re-announces every provider-side registration.
func (p *RoutingProxy) resendProvidedEvents() {
	client := p.ClientID()
	for _, reg := range p.registry.ProvidedEvents() {
		p.sendHost(command.Frame{
			ID:      command.RegisterEvent,
			Client:  client,
			Payload: command.EncodeEventRegistration(reg),
		})
	}
}
