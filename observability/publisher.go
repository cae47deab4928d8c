package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/pkg/timestamp"
)

// EventKind classifies one proxy lifecycle event.
type EventKind string

const (
	EventStateChange    EventKind = "state_change"
	EventOffer          EventKind = "offer"
	EventStopOffer      EventKind = "stop_offer"
	EventRequest        EventKind = "request"
	EventRelease        EventKind = "release"
	EventSubscription   EventKind = "subscription"
	EventUnsubscription EventKind = "unsubscription"
	EventKeepaliveMiss  EventKind = "keepalive_miss"
	EventReconnect      EventKind = "reconnect"
)

// Event is the JSON envelope published per lifecycle event.
type Event struct {
	Timestamp string    `json:"timestamp"` // RFC3339 format
	Node      string    `json:"node"`
	App       string    `json:"app"`
	Client    string    `json:"client"`
	Kind      EventKind `json:"kind"`
	State     string    `json:"state,omitempty"`
	Service   string    `json:"service,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// NATSPublisher is the slice of the NATS client the publisher needs.
type NATSPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publisher emits proxy events to "<org>.vsomeip.<node>.events". A nil
// conn disables publishing.
type Publisher struct {
	conn    NATSPublisher
	subject string
	node    string
	app     string
	client  func() command.ClientID
	logger  *slog.Logger
}

// NewPublisher creates a publisher. conn may be nil.
func NewPublisher(conn NATSPublisher, org, node, app string, client func() command.ClientID, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:    conn,
		subject: fmt.Sprintf("%s.vsomeip.%s.events", org, node),
		node:    node,
		app:     app,
		client:  client,
		logger:  logger,
	}
}

// Subject returns the subject events are published to.
func (p *Publisher) Subject() string { return p.subject }

// StateChange publishes a registration state transition.
func (p *Publisher) StateChange(state string) {
	p.publish(Event{Kind: EventStateChange, State: state})
}

// ServiceEvent publishes an offer/request lifecycle event.
func (p *Publisher) ServiceEvent(kind EventKind, key command.ServiceKey) {
	p.publish(Event{
		Kind:     kind,
		Service:  fmt.Sprintf("%04x", key.Service),
		Instance: fmt.Sprintf("%04x", key.Instance),
	})
}

// SubscriptionEvent publishes a subscription lifecycle event.
func (p *Publisher) SubscriptionEvent(kind EventKind, key command.SubscriptionKey, detail string) {
	p.publish(Event{
		Kind:     kind,
		Service:  fmt.Sprintf("%04x", key.Service),
		Instance: fmt.Sprintf("%04x", key.Instance),
		Detail:   detail,
	})
}

// KeepaliveMiss publishes a missed-pong event.
func (p *Publisher) KeepaliveMiss() {
	p.publish(Event{Kind: EventKeepaliveMiss})
}

// Reconnect publishes a transport reconnect event.
func (p *Publisher) Reconnect(detail string) {
	p.publish(Event{Kind: EventReconnect, Detail: detail})
}

func (p *Publisher) publish(e Event) {
	if p.conn == nil {
		return
	}
	e.Timestamp = timestamp.Format(timestamp.Now())
	e.Node = p.node
	e.App = p.app
	e.Client = fmt.Sprintf("%04x", uint16(p.client()))

	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("event marshal failed", "kind", e.Kind, "error", err)
		return
	}
	if err := p.conn.Publish(context.Background(), p.subject, data); err != nil {
		p.logger.Debug("event publish failed", "kind", e.Kind, "error", err)
	}
}
