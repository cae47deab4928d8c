// Package subscription is the proxy's subscription engine: the per-event
// state machine for outbound subscriptions, the accept/reject flow for
// subscriptions peers and the routing host relay to us, remote-subscriber
// counting, and the initial notify of cached field values to fresh
// subscribers.
package subscription
