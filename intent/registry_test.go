package intent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartenfonseca/vsomeip/command"
)

var (
	svcA = command.ServiceKey{Service: 0x1111, Instance: 0x2222, Major: 1}
	svcB = command.ServiceKey{Service: 0x3333, Instance: 0x4444, Major: 2, Minor: 1}
)

func TestRegistry_OfferIdempotence(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.AddOffer(svcA))
	assert.False(t, r.AddOffer(svcA))
	assert.True(t, r.HasOffer(svcA))

	assert.True(t, r.RemoveOffer(svcA))
	assert.False(t, r.RemoveOffer(svcA))
	assert.False(t, r.HasOffer(svcA))
}

func TestRegistry_OffersSnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	r.AddOffer(svcB)
	r.AddOffer(svcA)
	assert.Equal(t, []command.ServiceKey{svcA, svcB}, r.Offers())
}

func TestRegistry_RequestDebounceFlow(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.AddRequest(svcA))
	assert.False(t, r.AddRequest(svcA), "buffered request is not re-added")
	assert.True(t, r.AddRequest(svcB))
	assert.Equal(t, 2, r.PendingRequestCount())

	// Release before flush cancels silently.
	assert.False(t, r.ReleaseRequest(svcA))

	flushed := r.FlushRequests()
	assert.Equal(t, []command.ServiceKey{svcB}, flushed)
	assert.Equal(t, 0, r.PendingRequestCount())
	assert.Equal(t, []command.ServiceKey{svcB}, r.SentRequests())

	// Once sent, re-adding is refused and releasing reports sent.
	assert.False(t, r.AddRequest(svcB))
	assert.True(t, r.ReleaseRequest(svcB))
	assert.Empty(t, r.SentRequests())
}

func TestRegistry_ResetSentReplaysRequests(t *testing.T) {
	r := NewRegistry()
	r.AddRequest(svcA)
	r.FlushRequests()
	require.Equal(t, []command.ServiceKey{svcA}, r.SentRequests())

	r.ResetSent()
	assert.Empty(t, r.SentRequests())
	assert.Equal(t, []command.ServiceKey{svcA}, r.FlushRequests(), "sent request replays through the buffer")
}

func eventKey(notifier uint16) command.EventKey {
	return command.EventKey{Service: 0x1111, Instance: 0x2222, Notifier: notifier}
}

func TestRegistry_RegisterEventMerge(t *testing.T) {
	r := NewRegistry()
	key := eventKey(0xAAAA)

	assert.True(t, r.RegisterEvent(key, []uint16{0x10}, EventTypeEvent, false, false, false))
	assert.False(t, r.RegisterEvent(key, []uint16{0x10}, EventTypeEvent, false, false, false), "identical registration is silent")

	// New eventgroup changes the wire shape.
	assert.True(t, r.RegisterEvent(key, []uint16{0x11}, EventTypeEvent, false, false, false))

	// EVENT upgraded to SELECTIVE_EVENT must be re-announced.
	assert.True(t, r.RegisterEvent(key, []uint16{0x10}, EventTypeSelectiveEvent, false, false, false))
	reg, ok := r.Event(key)
	require.True(t, ok)
	assert.Equal(t, EventTypeSelectiveEvent, reg.Type)

	// Downgrade back to EVENT wins as latest but needs no announcement.
	assert.False(t, r.RegisterEvent(key, []uint16{0x10}, EventTypeEvent, false, false, false))
	reg, _ = r.Event(key)
	assert.Equal(t, EventTypeEvent, reg.Type)
}

func TestRegistry_PlaceholderUpgrade(t *testing.T) {
	r := NewRegistry()
	key := eventKey(0xBBBB)

	assert.True(t, r.EnsurePlaceholderEvent(key, 0x10))
	assert.False(t, r.EnsurePlaceholderEvent(key, 0x10))

	// Placeholders are invisible to replay.
	assert.Empty(t, r.UnsentEvents())

	// A real registration upgrades the placeholder in place.
	assert.True(t, r.RegisterEvent(key, []uint16{0x10}, EventTypeField, true, false, true))
	events := r.UnsentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, key, events[0].Key)
	assert.True(t, events[0].IsProvided)
}

func TestRegistry_ProvidedEventsAndReplay(t *testing.T) {
	r := NewRegistry()
	provided := eventKey(0xAAAA)
	consumed := eventKey(0xCCCC)

	r.RegisterEvent(provided, []uint16{0x10}, EventTypeField, false, false, true)
	r.RegisterEvent(consumed, []uint16{0x10}, EventTypeEvent, false, false, false)

	// First epoch announces both.
	first := r.UnsentEvents()
	require.Len(t, first, 2)
	// Nothing new to announce afterwards.
	assert.Empty(t, r.UnsentEvents())

	// Provided snapshot is stable regardless of sent markers, and matches
	// the original frame (RESEND_PROVIDED_EVENTS round trip).
	prov := r.ProvidedEvents()
	require.Len(t, prov, 1)
	if diff := cmp.Diff(first[0], prov[0]); diff != "" {
		t.Fatalf("provided event drifted from original registration (-want +got):\n%s", diff)
	}

	// A new epoch replays the provider side only; consumer-side
	// registrations were announced once on first registration.
	r.ResetSent()
	replayed := r.UnsentEvents()
	require.Len(t, replayed, 1)
	assert.Equal(t, provided, replayed[0].Key)
	assert.True(t, replayed[0].IsProvided)
}

func TestRegistry_EventsInGroup(t *testing.T) {
	r := NewRegistry()
	r.RegisterEvent(eventKey(0x2), []uint16{0x10}, EventTypeEvent, false, false, false)
	r.RegisterEvent(eventKey(0x1), []uint16{0x10, 0x11}, EventTypeEvent, false, false, false)
	r.RegisterEvent(eventKey(0x3), []uint16{0x12}, EventTypeEvent, false, false, false)

	assert.Equal(t, []uint16{0x1, 0x2}, r.EventsInGroup(0x1111, 0x2222, 0x10))
	assert.Empty(t, r.EventsInGroup(0x9999, 0x2222, 0x10))
}

func subKey(eg, ev uint16) command.SubscriptionKey {
	return command.SubscriptionKey{Service: 0x1111, Instance: 0x2222, Eventgroup: eg, Event: ev}
}

func TestRegistry_Subscriptions(t *testing.T) {
	r := NewRegistry()
	s := Subscription{Key: subKey(0x10, 0xAAAA), Major: 1, Filter: []byte{1, 2}}

	assert.True(t, r.AddSubscription(s))
	assert.False(t, r.AddSubscription(s))

	got, ok := r.Subscription(s.Key)
	require.True(t, ok)
	assert.Equal(t, s.Key, got.Key)

	forSvc := r.SubscriptionsFor(0x1111, 0x2222)
	require.Len(t, forSvc, 1)

	removed, ok := r.RemoveSubscription(s.Key)
	require.True(t, ok)
	assert.Equal(t, s.Key, removed.Key)
	_, ok = r.RemoveSubscription(s.Key)
	assert.False(t, ok)
}

func TestRegistry_ParkedIncomingSubscribes(t *testing.T) {
	r := NewRegistry()
	p1 := command.SubscribePayload{Key: subKey(0x10, 0x1), PendingID: command.PendingSubscriptionID}
	p2 := command.SubscribePayload{Key: subKey(0x10, 0x2), PendingID: command.PendingSubscriptionID}

	r.ParkIncomingSubscribe(0x0101, p1)
	r.ParkIncomingSubscribe(0x0202, p2)

	// Nothing known yet: nothing taken.
	assert.Empty(t, r.TakeIncomingSubscribes(func(command.ClientID) bool { return false }))

	taken := r.TakeIncomingSubscribes(func(c command.ClientID) bool { return c == 0x0101 })
	require.Len(t, taken, 1)
	assert.Equal(t, command.ClientID(0x0101), taken[0].Sender)

	// Taken exactly once.
	assert.Empty(t, r.TakeIncomingSubscribes(func(c command.ClientID) bool { return c == 0x0101 }))

	taken = r.TakeIncomingSubscribes(func(command.ClientID) bool { return true })
	require.Len(t, taken, 1)
	assert.Equal(t, command.ClientID(0x0202), taken[0].Sender)
}
