package subscription

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/metrics"
)

// State is the per-subscription lifecycle of §4.7.
type State int

const (
	NotSubscribed State = iota
	Subscribing
	Subscribed
	SubscribeFailed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case SubscribeFailed:
		return "failed"
	default:
		return "not-subscribed"
	}
}

// SendFunc delivers frames to one client: directly over a peer endpoint
// when reachable, else via the routing host. The proxy provides it.
type SendFunc func(to command.ClientID, frames ...command.Frame) bool

// GroupKey names one eventgroup of one service instance.
type GroupKey struct {
	Service    uint16
	Instance   uint16
	Eventgroup uint16
}

type subscriberKey struct {
	group      GroupKey
	subscriber command.ClientID
}

// Engine tracks outbound subscription state and incoming subscribers.
type Engine struct {
	localClient func() command.ClientID
	registry    *intent.Registry
	fields      *intent.FieldCache
	host        apphost.Host
	send        SendFunc
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	outbound map[command.SubscriptionKey]State
	// incoming tracks accepted subscribers per eventgroup: the concrete
	// events they hold. Remote subscribers relayed by the host are recorded
	// under command.RoutingClient.
	incoming map[subscriberKey]map[uint16]struct{}
	// remoteCounts is the RemoteSubscriberCount table of §3.
	remoteCounts map[GroupKey]uint32
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(localClient func() command.ClientID, registry *intent.Registry, fields *intent.FieldCache,
	host apphost.Host, send SendFunc, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		localClient:  localClient,
		registry:     registry,
		fields:       fields,
		host:         host,
		send:         send,
		logger:       logger,
		metrics:      m,
		outbound:     make(map[command.SubscriptionKey]State),
		incoming:     make(map[subscriberKey]map[uint16]struct{}),
		remoteCounts: make(map[GroupKey]uint32),
	}
}

// MarkSubscribing records that a SUBSCRIBE for key went out.
func (e *Engine) MarkSubscribing(key command.SubscriptionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound[key] = Subscribing
}

// MarkUnsubscribed resets key to NotSubscribed (app unsubscribe).
func (e *Engine) MarkUnsubscribed(key command.SubscriptionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outbound, key)
}

// OutboundState reports the tracked state of key.
func (e *Engine) OutboundState(key command.SubscriptionKey) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outbound[key]
}

// ResetOutbound drops every outbound state; on the next registration epoch
// the intent registry replays the subscriptions and states rebuild.
func (e *Engine) ResetOutbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound = make(map[command.SubscriptionKey]State)
}

// HandleAck processes SUBSCRIBE_ACK for an outbound subscription, fanning
// the status callback out per concrete event for ANY_EVENT subscriptions.
func (e *Engine) HandleAck(p command.SubscribeAckNackPayload) {
	e.mu.Lock()
	e.outbound[p.Key] = Subscribed
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordSubscriptionAttempt(groupLabel(p.Key), egLabel(p.Key), "ack")
		e.metrics.SetSubscriptionActive(groupLabel(p.Key), egLabel(p.Key), true)
	}
	e.fanOutStatus(p.Key, apphost.SubscriptionOK)
}

// HandleNack processes SUBSCRIBE_NACK.
func (e *Engine) HandleNack(p command.SubscribeAckNackPayload) {
	e.mu.Lock()
	e.outbound[p.Key] = SubscribeFailed
	e.mu.Unlock()
	e.logger.Warn("subscription rejected by provider",
		"service", hex16(p.Key.Service), "instance", hex16(p.Key.Instance),
		"eventgroup", hex16(p.Key.Eventgroup), "event", hex16(p.Key.Event))
	if e.metrics != nil {
		e.metrics.RecordSubscriptionAttempt(groupLabel(p.Key), egLabel(p.Key), "nack")
		e.metrics.SetSubscriptionActive(groupLabel(p.Key), egLabel(p.Key), false)
	}
	e.fanOutStatus(p.Key, apphost.SubscriptionRejected)
}

func (e *Engine) fanOutStatus(key command.SubscriptionKey, status apphost.SubscriptionStatus) {
	if key.Event != command.AnyEvent {
		e.callbackStatus(key.Service, key.Instance, key.Eventgroup, key.Event, status)
		return
	}
	events := e.registry.EventsInGroup(key.Service, key.Instance, key.Eventgroup)
	if len(events) == 0 {
		e.callbackStatus(key.Service, key.Instance, key.Eventgroup, command.AnyEvent, status)
		return
	}
	for _, ev := range events {
		e.callbackStatus(key.Service, key.Instance, key.Eventgroup, ev, status)
	}
}

func (e *Engine) callbackStatus(service, instance, eventgroup, event uint16, status apphost.SubscriptionStatus) {
	defer e.recoverCallback("on_subscription_status")
	e.host.OnSubscriptionStatus(service, instance, eventgroup, event, status)
}

// HandleSubscribe runs the incoming-subscribe flow of §4.7 after the
// dispatcher's security gate passed. sender is the client the ack must go
// back to (the host for relayed remote subscribes, the peer otherwise).
// The application decides acceptance; the continuation then either acks
// and installs the subscription or nacks.
func (e *Engine) HandleSubscribe(sender command.ClientID, p command.SubscribePayload) {
	remote := p.PendingID != command.PendingSubscriptionID
	subscriber := sender
	if remote {
		subscriber = command.RoutingClient
	}

	// The application must never observe a subscribe for an event it has
	// not registered; synthesize a placeholder so a later register_event
	// upgrades it in place.
	if p.Key.Event != command.AnyEvent {
		e.registry.EnsurePlaceholderEvent(command.EventKey{
			Service:  p.Key.Service,
			Instance: p.Key.Instance,
			Notifier: p.Key.Event,
		}, p.Key.Eventgroup)
	}

	accept := func(ok bool) {
		if ok {
			e.acceptSubscribe(sender, subscriber, p, remote)
		} else {
			e.rejectSubscribe(sender, p)
		}
	}

	func() {
		defer e.recoverCallback("on_subscription")
		e.host.OnSubscription(p.Key, p.Client, accept)
	}()
}

// acceptSubscribe is the accept continuation: ack, initial-notify cached
// fields the subscriber does not already hold, then count the subscriber.
func (e *Engine) acceptSubscribe(sender, subscriber command.ClientID, p command.SubscribePayload, remote bool) {
	ack := command.Frame{
		ID:      command.SubscribeAck,
		Client:  e.localClient(),
		Payload: command.EncodeSubscribeAckNack(command.SubscribeAckNackPayload{Key: p.Key, PendingID: p.PendingID}),
	}
	if !e.send(sender, ack) {
		e.logger.Warn("subscribe ack send failed", "subscriber", fmt.Sprintf("%04x", uint16(sender)))
		return
	}

	group := GroupKey{Service: p.Key.Service, Instance: p.Key.Instance, Eventgroup: p.Key.Eventgroup}
	sk := subscriberKey{group: group, subscriber: subscriber}

	events := []uint16{p.Key.Event}
	if p.Key.Event == command.AnyEvent {
		events = e.registry.EventsInGroup(p.Key.Service, p.Key.Instance, p.Key.Eventgroup)
	}

	e.mu.Lock()
	held := e.incoming[sk]
	if held == nil {
		held = make(map[uint16]struct{})
		e.incoming[sk] = held
	}
	var fresh []uint16
	for _, ev := range events {
		if _, ok := held[ev]; !ok {
			fresh = append(fresh, ev)
			held[ev] = struct{}{}
		}
	}
	if remote {
		e.remoteCounts[group]++
		count := e.remoteCounts[group]
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SetRemoteSubscribers(hex16(group.Service), hex16(group.Eventgroup), int(count))
		}
	} else {
		e.mu.Unlock()
	}

	// Fields deliver their current value to the new subscriber.
	for _, ev := range fresh {
		key := command.EventKey{Service: p.Key.Service, Instance: p.Key.Instance, Notifier: ev}
		payload, ok := e.fields.Get(key)
		if !ok {
			continue
		}
		notify := command.Frame{
			ID:     command.Notify,
			Client: e.localClient(),
			Payload: command.EncodeSend(command.SendPayload{
				Instance: p.Key.Instance,
				Message:  payload,
			}),
		}
		if !e.send(sender, notify) {
			e.logger.Warn("initial field notify failed",
				"event", key.String(), "subscriber", fmt.Sprintf("%04x", uint16(sender)))
		}
	}
}

// rejectSubscribe is the reject continuation.
func (e *Engine) rejectSubscribe(sender command.ClientID, p command.SubscribePayload) {
	nack := command.Frame{
		ID:      command.SubscribeNack,
		Client:  e.localClient(),
		Payload: command.EncodeSubscribeAckNack(command.SubscribeAckNackPayload{Key: p.Key, PendingID: p.PendingID}),
	}
	e.send(sender, nack)
}

// HandleUnsubscribe processes UNSUBSCRIBE and EXPIRE from any origin. For
// remote subscribers the local state is only dropped when the remote
// count for the eventgroup reaches zero.
func (e *Engine) HandleUnsubscribe(sender command.ClientID, p command.SubscribePayload, expired bool) {
	remote := p.PendingID != command.PendingSubscriptionID
	group := GroupKey{Service: p.Key.Service, Instance: p.Key.Instance, Eventgroup: p.Key.Eventgroup}

	if remote {
		e.mu.Lock()
		dropped := false
		if c := e.remoteCounts[group]; c > 0 {
			c--
			if c == 0 {
				delete(e.remoteCounts, group)
				delete(e.incoming, subscriberKey{group: group, subscriber: command.RoutingClient})
				dropped = true
			} else {
				e.remoteCounts[group] = c
			}
		}
		count := e.remoteCounts[group]
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SetRemoteSubscribers(hex16(group.Service), hex16(group.Eventgroup), int(count))
		}
		if dropped {
			e.logger.Debug("last remote subscriber gone",
				"service", hex16(group.Service), "eventgroup", hex16(group.Eventgroup), "expired", expired)
		}
		ack := command.Frame{
			ID:      command.UnsubscribeAck,
			Client:  e.localClient(),
			Payload: command.EncodeSubscribeAckNack(command.SubscribeAckNackPayload{Key: p.Key, PendingID: p.PendingID}),
		}
		e.send(sender, ack)
	} else {
		e.mu.Lock()
		delete(e.incoming, subscriberKey{group: group, subscriber: sender})
		e.mu.Unlock()
	}
}

// Suspend drops every remote subscription and clears the remote counts
// (host-driven cleanup after SD restart).
func (e *Engine) Suspend() {
	e.mu.Lock()
	for sk := range e.incoming {
		if sk.subscriber == command.RoutingClient {
			delete(e.incoming, sk)
		}
	}
	groups := make([]GroupKey, 0, len(e.remoteCounts))
	for g := range e.remoteCounts {
		groups = append(groups, g)
	}
	e.remoteCounts = make(map[GroupKey]uint32)
	e.mu.Unlock()

	for _, g := range groups {
		if e.metrics != nil {
			e.metrics.SetRemoteSubscribers(hex16(g.Service), hex16(g.Eventgroup), 0)
		}
	}
	e.logger.Info("suspended: remote subscriber state cleared", "eventgroups", len(groups))
}

// RemoteSubscriberCount reports the remote subscriber count for one group.
func (e *Engine) RemoteSubscriberCount(service, instance, eventgroup uint16) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteCounts[GroupKey{Service: service, Instance: instance, Eventgroup: eventgroup}]
}

// HasRemoteSubscribers reports whether any eventgroup of (service,
// instance) has remote subscribers, used by the outbound path to decide
// whether a broadcast notification must also reach the wire.
func (e *Engine) HasRemoteSubscribers(service, instance uint16) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for g, c := range e.remoteCounts {
		if g.Service == service && g.Instance == instance && c > 0 {
			return true
		}
	}
	return false
}

// LocalSubscribers lists peer clients (excluding the routing-host record)
// holding event of (service, instance), for the in-memory notification
// path.
func (e *Engine) LocalSubscribers(service, instance, event uint16) []command.ClientID {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[command.ClientID]struct{})
	for sk, events := range e.incoming {
		if sk.group.Service != service || sk.group.Instance != instance {
			continue
		}
		if sk.subscriber == command.RoutingClient {
			continue
		}
		if _, ok := events[event]; !ok {
			continue
		}
		seen[sk.subscriber] = struct{}{}
	}
	out := make([]command.ClientID, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot reports outbound subscription states for the debug gateway.
func (e *Engine) Snapshot() map[command.SubscriptionKey]State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[command.SubscriptionKey]State, len(e.outbound))
	for k, s := range e.outbound {
		out[k] = s
	}
	return out
}

func (e *Engine) recoverCallback(name string) {
	if r := recover(); r != nil {
		e.logger.Error("application host callback panicked", "callback", name, "panic", r)
	}
}

func hex16(v uint16) string { return fmt.Sprintf("%04x", v) }

func groupLabel(k command.SubscriptionKey) string { return hex16(k.Service) }
func egLabel(k command.SubscriptionKey) string    { return hex16(k.Eventgroup) }
