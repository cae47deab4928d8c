// Package intent is the canonical record of what the application has asked
// the routing fabric for: offered services, requested services (with their
// debounce buffer), event registrations, and subscriptions not yet acted
// on. Every operation is idempotent with respect to network effects; only
// the first transition into a set reports true, and only that transition
// causes the caller to emit a command. The registry survives reconnects:
// on deregistration the "sent" markers of requests and provider-side event
// registrations are cleared so the next registration replays them;
// consumer-side event registrations keep their markers and are announced
// once only.
//
// The package also holds the tables the inbound dispatcher maintains from
// ROUTING_INFO broadcasts: known clients, the local service table with its
// owner history, and the cached field payloads served to late subscribers.
package intent
