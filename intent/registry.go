package intent

import (
	"sort"
	"sync"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/security"
)

// EventType mirrors the wire event kinds.
const (
	EventTypeEvent          uint8 = 0
	EventTypeSelectiveEvent uint8 = 1
	EventTypeField          uint8 = 2
)

// EventRegistration is one REGISTER_EVENT's worth of intent.
type EventRegistration struct {
	Key         command.EventKey
	Eventgroups map[uint16]struct{}
	Type        uint8
	Reliability bool
	Cyclic      bool
	IsProvided  bool

	// sent marks consumer-side registrations already announced to the host;
	// provider-side ones are re-announced on every registration epoch and
	// on RESEND_PROVIDED_EVENTS regardless.
	sent bool

	// placeholder marks a registration synthesized for a subscribe that
	// arrived before the application registered the event locally; a later
	// RegisterEvent upgrades it in place.
	placeholder bool
}

// Payload renders the registration as its wire payload.
func (r *EventRegistration) Payload() command.EventRegistrationPayload {
	groups := make([]uint16, 0, len(r.Eventgroups))
	for eg := range r.Eventgroups {
		groups = append(groups, eg)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return command.EventRegistrationPayload{
		Key:         r.Key,
		Eventgroups: groups,
		Type:        r.Type,
		Reliability: r.Reliability,
		Cyclic:      r.Cyclic,
		IsProvided:  r.IsProvided,
	}
}

// Subscription is one outbound subscription's worth of intent, held until
// the proxy is registered and the target service is available.
type Subscription struct {
	Key    command.SubscriptionKey
	Major  uint8
	Filter []byte
	Sec    security.SecClient
}

// ParkedSubscribe is an inbound SUBSCRIBE from a peer whose client id was
// not yet announced in ROUTING_INFO.
type ParkedSubscribe struct {
	Sender  command.ClientID
	Payload command.SubscribePayload
}

// Registry holds the four canonical intent sets, each under its own lock
// so the dispatcher and the application can touch disjoint sets without
// contending.
type Registry struct {
	offersMu sync.Mutex
	offers   map[command.ServiceKey]struct{}

	requestsMu      sync.Mutex
	requests        map[command.ServiceKey]struct{} // acknowledged to the host
	pendingRequests map[command.ServiceKey]struct{} // buffered for the debounce window

	eventsMu sync.Mutex
	events   map[command.EventKey]*EventRegistration

	subsMu       sync.Mutex
	subs         map[command.SubscriptionKey]*Subscription
	incomingSubs []ParkedSubscribe
}

// NewRegistry creates an empty intent registry.
func NewRegistry() *Registry {
	return &Registry{
		offers:          make(map[command.ServiceKey]struct{}),
		requests:        make(map[command.ServiceKey]struct{}),
		pendingRequests: make(map[command.ServiceKey]struct{}),
		events:          make(map[command.EventKey]*EventRegistration),
		subs:            make(map[command.SubscriptionKey]*Subscription),
	}
}

// AddOffer records an offer, reporting whether it is new. Only a true
// return should cause an OFFER_SERVICE emission.
func (r *Registry) AddOffer(key command.ServiceKey) bool {
	r.offersMu.Lock()
	defer r.offersMu.Unlock()
	if _, ok := r.offers[key]; ok {
		return false
	}
	r.offers[key] = struct{}{}
	return true
}

// RemoveOffer drops an offer, reporting whether it was present.
func (r *Registry) RemoveOffer(key command.ServiceKey) bool {
	r.offersMu.Lock()
	defer r.offersMu.Unlock()
	if _, ok := r.offers[key]; !ok {
		return false
	}
	delete(r.offers, key)
	return true
}

// HasOffer reports whether key is currently offered.
func (r *Registry) HasOffer(key command.ServiceKey) bool {
	r.offersMu.Lock()
	defer r.offersMu.Unlock()
	_, ok := r.offers[key]
	return ok
}

// Offers snapshots all active offers in deterministic order, for replay.
func (r *Registry) Offers() []command.ServiceKey {
	r.offersMu.Lock()
	defer r.offersMu.Unlock()
	return sortedKeys(r.offers)
}

// AddRequest buffers a service request for the debounce window, reporting
// whether the request is new (neither buffered nor already sent).
func (r *Registry) AddRequest(key command.ServiceKey) bool {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	if _, ok := r.requests[key]; ok {
		return false
	}
	if _, ok := r.pendingRequests[key]; ok {
		return false
	}
	r.pendingRequests[key] = struct{}{}
	return true
}

// ReleaseRequest cancels a request. It reports whether the host had been
// informed, in which case the caller must emit RELEASE_SERVICE; a request
// still in the debounce buffer is cancelled silently.
func (r *Registry) ReleaseRequest(key command.ServiceKey) (sent bool) {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	if _, ok := r.requests[key]; ok {
		delete(r.requests, key)
		return true
	}
	delete(r.pendingRequests, key)
	return false
}

// FlushRequests drains the debounce buffer into the sent set and returns
// the drained requests in deterministic order. The caller emits one
// REQUEST_SERVICE containing all of them.
func (r *Registry) FlushRequests() []command.ServiceKey {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	flushed := sortedKeys(r.pendingRequests)
	for _, k := range flushed {
		r.requests[k] = struct{}{}
	}
	r.pendingRequests = make(map[command.ServiceKey]struct{})
	return flushed
}

// PendingRequestCount reports how many requests sit in the debounce buffer.
func (r *Registry) PendingRequestCount() int {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	return len(r.pendingRequests)
}

// SentRequests snapshots the requests the host has been informed of.
func (r *Registry) SentRequests() []command.ServiceKey {
	r.requestsMu.Lock()
	defer r.requestsMu.Unlock()
	return sortedKeys(r.requests)
}

// RegisterEvent records event intent. It reports whether the registration
// must be announced to the host now: true for a first registration and for
// a merge that changed the wire-visible shape (new eventgroups, a
// placeholder being upgraded, or an EVENT registration superseded by a
// SELECTIVE_EVENT one).
func (r *Registry) RegisterEvent(key command.EventKey, eventgroups []uint16, eventType uint8, reliability, cyclic, isProvided bool) bool {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	existing, ok := r.events[key]
	if !ok {
		groups := make(map[uint16]struct{}, len(eventgroups))
		for _, eg := range eventgroups {
			groups[eg] = struct{}{}
		}
		r.events[key] = &EventRegistration{
			Key:         key,
			Eventgroups: groups,
			Type:        eventType,
			Reliability: reliability,
			Cyclic:      cyclic,
			IsProvided:  isProvided,
		}
		return true
	}

	changed := existing.placeholder
	existing.placeholder = false
	for _, eg := range eventgroups {
		if _, have := existing.Eventgroups[eg]; !have {
			existing.Eventgroups[eg] = struct{}{}
			changed = true
		}
	}
	// At most one event type per notifier: the latest registration wins,
	// and an EVENT upgraded to SELECTIVE_EVENT must be re-announced.
	if eventType != existing.Type {
		if existing.Type == EventTypeEvent && eventType == EventTypeSelectiveEvent {
			changed = true
		}
		existing.Type = eventType
	}
	if isProvided && !existing.IsProvided {
		existing.IsProvided = true
		changed = true
	}
	if changed {
		existing.sent = false
	}
	return changed
}

// EnsurePlaceholderEvent records a consumer-side placeholder registration
// for a subscribe that names an event the application never registered,
// so a later RegisterEvent upgrades it instead of duplicating it. Reports
// whether a placeholder was created.
func (r *Registry) EnsurePlaceholderEvent(key command.EventKey, eventgroup uint16) bool {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	if _, ok := r.events[key]; ok {
		return false
	}
	r.events[key] = &EventRegistration{
		Key:         key,
		Eventgroups: map[uint16]struct{}{eventgroup: {}},
		Type:        EventTypeEvent,
		placeholder: true,
	}
	return true
}

// UnregisterEvent drops event intent, reporting whether it was present.
func (r *Registry) UnregisterEvent(key command.EventKey) bool {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	if _, ok := r.events[key]; !ok {
		return false
	}
	delete(r.events, key)
	return true
}

// Event returns a copy of the registration for key.
func (r *Registry) Event(key command.EventKey) (EventRegistration, bool) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	reg, ok := r.events[key]
	if !ok {
		return EventRegistration{}, false
	}
	return *reg, true
}

// EventsInGroup lists the notifiers registered under (service, instance,
// eventgroup), used to fan subscription-status callbacks out over ANY_EVENT.
func (r *Registry) EventsInGroup(service, instance, eventgroup uint16) []uint16 {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	var out []uint16
	for key, reg := range r.events {
		if key.Service != service || key.Instance != instance {
			continue
		}
		if _, ok := reg.Eventgroups[eventgroup]; ok {
			out = append(out, key.Notifier)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProvidedEvents snapshots every provider-side registration, for replay
// and RESEND_PROVIDED_EVENTS.
func (r *Registry) ProvidedEvents() []command.EventRegistrationPayload {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	var out []command.EventRegistrationPayload
	for _, reg := range r.events {
		if reg.IsProvided {
			out = append(out, reg.Payload())
		}
	}
	sort.Slice(out, func(i, j int) bool { return eventKeyLess(out[i].Key, out[j].Key) })
	return out
}

// UnsentEvents snapshots registrations not yet announced this epoch and
// marks them sent. Provider-side entries stay eligible for the next epoch.
func (r *Registry) UnsentEvents() []command.EventRegistrationPayload {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	var out []command.EventRegistrationPayload
	for _, reg := range r.events {
		if reg.sent || reg.placeholder {
			continue
		}
		out = append(out, reg.Payload())
		reg.sent = true
	}
	sort.Slice(out, func(i, j int) bool { return eventKeyLess(out[i].Key, out[j].Key) })
	return out
}

// AddSubscription records outbound subscription intent, reporting whether
// it is new.
func (r *Registry) AddSubscription(s Subscription) bool {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if _, ok := r.subs[s.Key]; ok {
		return false
	}
	copied := s
	copied.Filter = append([]byte(nil), s.Filter...)
	r.subs[s.Key] = &copied
	return true
}

// RemoveSubscription drops subscription intent, returning the record.
func (r *Registry) RemoveSubscription(key command.SubscriptionKey) (Subscription, bool) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	s, ok := r.subs[key]
	if !ok {
		return Subscription{}, false
	}
	delete(r.subs, key)
	return *s, true
}

// Subscription returns the record for key.
func (r *Registry) Subscription(key command.SubscriptionKey) (Subscription, bool) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	s, ok := r.subs[key]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// SubscriptionsFor snapshots the subscriptions targeting (service,
// instance), replayed when the service becomes available.
func (r *Registry) SubscriptionsFor(service, instance uint16) []Subscription {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.Key.Service == service && s.Key.Instance == instance {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return subKeyLess(out[i].Key, out[j].Key) })
	return out
}

// Subscriptions snapshots all subscription intent.
func (r *Registry) Subscriptions() []Subscription {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return subKeyLess(out[i].Key, out[j].Key) })
	return out
}

// ParkIncomingSubscribe buffers a SUBSCRIBE from a peer not yet announced
// in ROUTING_INFO.
func (r *Registry) ParkIncomingSubscribe(sender command.ClientID, p command.SubscribePayload) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.incomingSubs = append(r.incomingSubs, ParkedSubscribe{Sender: sender, Payload: p})
}

// TakeIncomingSubscribes removes and returns every parked subscribe whose
// sender is now known, preserving arrival order.
func (r *Registry) TakeIncomingSubscribes(known func(command.ClientID) bool) []ParkedSubscribe {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	var taken []ParkedSubscribe
	remaining := r.incomingSubs[:0]
	for _, p := range r.incomingSubs {
		if known(p.Sender) {
			taken = append(taken, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	r.incomingSubs = remaining
	return taken
}

// ResetSent clears the "already sent" markers the next registration
// epoch must replay: sent requests move back through the debounce buffer
// and provider-side event registrations become unsent. Consumer-side
// registrations are announced once on first registration only, so their
// markers survive the reset.
func (r *Registry) ResetSent() {
	r.requestsMu.Lock()
	for k := range r.requests {
		r.pendingRequests[k] = struct{}{}
	}
	r.requests = make(map[command.ServiceKey]struct{})
	r.requestsMu.Unlock()

	r.eventsMu.Lock()
	for _, reg := range r.events {
		if reg.IsProvided {
			reg.sent = false
		}
	}
	r.eventsMu.Unlock()
}

func sortedKeys(m map[command.ServiceKey]struct{}) []command.ServiceKey {
	out := make([]command.ServiceKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return serviceKeyLess(out[i], out[j]) })
	return out
}

func serviceKeyLess(a, b command.ServiceKey) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Instance != b.Instance {
		return a.Instance < b.Instance
	}
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	return a.Minor < b.Minor
}

func eventKeyLess(a, b command.EventKey) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Instance != b.Instance {
		return a.Instance < b.Instance
	}
	return a.Notifier < b.Notifier
}

func subKeyLess(a, b command.SubscriptionKey) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Instance != b.Instance {
		return a.Instance < b.Instance
	}
	if a.Eventgroup != b.Eventgroup {
		return a.Eventgroup < b.Eventgroup
	}
	return a.Event < b.Event
}
