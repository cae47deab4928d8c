package apphost

import (
	"sync"

	"github.com/duartenfonseca/vsomeip/command"
)

// State is the registration state reported to the application.
type State int

const (
	StateDeregistered State = iota
	StateRegistered
)

func (s State) String() string {
	if s == StateRegistered {
		return "registered"
	}
	return "deregistered"
}

// SubscriptionStatus is reported per event after SUBSCRIBE_ACK/NACK.
type SubscriptionStatus int

const (
	SubscriptionOK SubscriptionStatus = iota
	SubscriptionRejected
)

func (s SubscriptionStatus) String() string {
	if s == SubscriptionOK {
		return "ok"
	}
	return "rejected"
}

// OfferedService is one entry of an OFFERED_SERVICES_RESPONSE.
type OfferedService struct {
	Key command.ServiceKey
}

// Host is the application-facing callback surface the proxy core invokes.
// Callbacks run on the proxy's dispatch goroutines; implementations must
// not call back into the proxy synchronously from OnState or OnSubscription
// and must never panic (the dispatcher treats them as infallible and will
// recover and log if they do).
type Host interface {
	// OnState reports registration state transitions.
	OnState(s State)

	// OnMessage delivers one application message (SEND/NOTIFY payload).
	OnMessage(instance uint16, message []byte)

	// OnAvailability reports a service appearing or disappearing.
	OnAvailability(key command.ServiceKey, available bool)

	// OnSubscription asks the application to accept or reject an incoming
	// subscription. accept is invoked exactly once, possibly asynchronously.
	OnSubscription(key command.SubscriptionKey, client command.ClientID, accept func(bool))

	// OnSubscriptionStatus reports the outcome of an outbound subscription,
	// one call per concrete event.
	OnSubscriptionStatus(service, instance, eventgroup, event uint16, status SubscriptionStatus)

	// OnOfferedServicesInfo delivers an OFFERED_SERVICES_RESPONSE.
	OnOfferedServicesInfo(services []OfferedService)

	// GetName returns the application name used in ASSIGN_CLIENT.
	GetName() string

	// SetClient informs the application of its assigned client id.
	SetClient(c command.ClientID)

	// SetSecClientPort records the local port the proxy's receiver bound,
	// which becomes part of the application's security identity in
	// non-local mode.
	SetSecClientPort(port uint16)
}

// Recorder is a Host that records every callback, for tests.
type Recorder struct {
	mu sync.Mutex

	Name string

	States         []State
	Messages       [][]byte
	Availabilities map[command.ServiceKey]bool
	Statuses       []RecordedStatus
	Offered        [][]OfferedService
	Client         command.ClientID
	SecPort        uint16

	// RejectSubscriptions controls OnSubscription's answer (default accept).
	RejectSubscriptions bool
	Subscriptions       []command.SubscriptionKey
}

// RecordedStatus is one OnSubscriptionStatus invocation.
type RecordedStatus struct {
	Service, Instance, Eventgroup, Event uint16
	Status                               SubscriptionStatus
}

// NewRecorder creates a Recorder named name.
func NewRecorder(name string) *Recorder {
	return &Recorder{Name: name, Availabilities: make(map[command.ServiceKey]bool)}
}

func (r *Recorder) OnState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.States = append(r.States, s)
}

func (r *Recorder) OnMessage(_ uint16, message []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, append([]byte(nil), message...))
}

func (r *Recorder) OnAvailability(key command.ServiceKey, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Availabilities[key] = available
}

func (r *Recorder) OnSubscription(key command.SubscriptionKey, _ command.ClientID, accept func(bool)) {
	r.mu.Lock()
	r.Subscriptions = append(r.Subscriptions, key)
	reject := r.RejectSubscriptions
	r.mu.Unlock()
	accept(!reject)
}

func (r *Recorder) OnSubscriptionStatus(service, instance, eventgroup, event uint16, status SubscriptionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, RecordedStatus{service, instance, eventgroup, event, status})
}

func (r *Recorder) OnOfferedServicesInfo(services []OfferedService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Offered = append(r.Offered, services)
}

func (r *Recorder) GetName() string { return r.Name }

func (r *Recorder) SetClient(c command.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Client = c
}

func (r *Recorder) SetSecClientPort(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SecPort = port
}

// LastState returns the most recent state reported, or StateDeregistered.
func (r *Recorder) LastState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.States) == 0 {
		return StateDeregistered
	}
	return r.States[len(r.States)-1]
}

// StateCount returns how many OnState callbacks were observed.
func (r *Recorder) StateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.States)
}

// MessageCount returns how many messages were delivered.
func (r *Recorder) MessageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}

// StatusCount returns how many subscription-status callbacks were observed.
func (r *Recorder) StatusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Statuses)
}
