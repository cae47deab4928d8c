package dispatch

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/intent"
	"github.com/duartenfonseca/vsomeip/security"
	"github.com/duartenfonseca/vsomeip/subscription"
)

const localClient = command.ClientID(0x1234)

type hostFrames struct {
	mu     sync.Mutex
	frames []command.Frame
}

func (h *hostFrames) send(frames ...command.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frames...)
	return true
}

func (h *hostFrames) byID(id command.ID) []command.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []command.Frame
	for _, f := range h.frames {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	d        *Dispatcher
	app      *apphost.Recorder
	registry *intent.Registry
	known    *intent.KnownClients
	services *intent.ServiceTable
	fields   *intent.FieldCache
	engine   *subscription.Engine
	policy   *security.PolicyManager
	hostOut  *hostFrames
	peerOut  *hostFrames

	mu        sync.Mutex
	assigns   []command.ClientID
	selfAdds  int
	selfDrops int
	pongs     int
	available []command.ServiceKey
	resends   int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fx := &fixture{
		app:      apphost.NewRecorder("app"),
		registry: intent.NewRegistry(),
		known:    intent.NewKnownClients(),
		services: intent.NewServiceTable(),
		fields:   intent.NewFieldCache(),
		policy:   security.NewPolicyManager(),
		hostOut:  &hostFrames{},
		peerOut:  &hostFrames{},
	}
	sendTo := func(_ command.ClientID, frames ...command.Frame) bool { return fx.peerOut.send(frames...) }
	fx.engine = subscription.NewEngine(
		func() command.ClientID { return localClient },
		fx.registry, fx.fields, fx.app, sendTo, nil, nil)
	hooks := Hooks{
		OnAssignAck: func(c command.ClientID) {
			fx.mu.Lock()
			fx.assigns = append(fx.assigns, c)
			fx.mu.Unlock()
		},
		OnSelfAdded:   func() { fx.mu.Lock(); fx.selfAdds++; fx.mu.Unlock() },
		OnSelfRemoved: func() { fx.mu.Lock(); fx.selfDrops++; fx.mu.Unlock() },
		OnServiceAvailable: func(k command.ServiceKey) {
			fx.mu.Lock()
			fx.available = append(fx.available, k)
			fx.mu.Unlock()
		},
		OnPong:               func() { fx.mu.Lock(); fx.pongs++; fx.mu.Unlock() },
		ResendProvidedEvents: func() { fx.mu.Lock(); fx.resends++; fx.mu.Unlock() },
	}
	fx.d = New(opts,
		func() command.ClientID { return localClient },
		func() security.SecClient { return security.SecClient{UID: 500, GID: 500} },
		fx.policy, fx.registry, fx.known, fx.services, fx.fields, fx.engine,
		fx.app, hooks, fx.hostOut.send, nil, nil)
	return fx
}

func someipMessage(service, method uint16, msgType command.SomeipMessageType) []byte {
	msg := make([]byte, 20)
	binary.BigEndian.PutUint16(msg[0:2], service)
	binary.BigEndian.PutUint16(msg[2:4], method)
	msg[command.SomeipMessageTypeOffset] = byte(msgType)
	return msg
}

func sendFrame(id command.ID, client command.ClientID, instance uint16, msg []byte) command.Frame {
	return command.Frame{
		ID:      id,
		Client:  client,
		Payload: command.EncodeSend(command.SendPayload{Instance: instance, Message: msg}),
	}
}

func TestDispatch_AssignAck(t *testing.T) {
	fx := newFixture(t, Options{})
	payload := command.EncodeAssignClientAck(command.AssignClientAckPayload{Assigned: 0x1234})

	// Non-host origins cannot assign.
	fx.d.Dispatch(Origin{}, command.Frame{ID: command.AssignClientAck, Payload: payload})
	assert.Empty(t, fx.assigns)

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.AssignClientAck, Payload: payload})
	require.Len(t, fx.assigns, 1)
	assert.Equal(t, command.ClientID(0x1234), fx.assigns[0])
}

func TestDispatch_LocalSpoofedClientDropped(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true, SecurityLocal: true})
	msg := someipMessage(0x1111, 0x1, command.MessageTypeRequest)

	fx.d.Dispatch(Origin{Sender: 0x0101}, sendFrame(command.Send, 0x0202, 0x2222, msg))
	assert.Equal(t, 0, fx.app.MessageCount())
}

func TestDispatch_RoutingInfoLifecycle(t *testing.T) {
	fx := newFixture(t, Options{})
	key := command.ServiceKey{Service: 0x1111, Instance: 0x2222, Major: 1}
	peer := command.ClientID(0x0101)

	info := command.EncodeRoutingInfo(command.RoutingInfoPayload{Entries: []command.RoutingEntry{
		{Type: command.AddClient, Client: localClient},
		{Type: command.AddClient, Client: peer, Address: "10.0.0.2", Port: 30500},
		{Type: command.AddServiceInstance, Client: peer, Service: key},
	}})
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.RoutingInfo, Payload: info})

	assert.Equal(t, 1, fx.selfAdds, "self ADD_CLIENT drives the registration commit")
	assert.True(t, fx.known.Known(peer))
	owner, ok := fx.services.OwnerOf(0x1111, 0x2222)
	require.True(t, ok)
	assert.Equal(t, peer, owner)
	assert.Equal(t, []command.ServiceKey{key}, fx.available)
	assert.True(t, fx.app.Availabilities[key])

	// Deletion clears cached fields and flips availability.
	fieldKey := command.EventKey{Service: 0x1111, Instance: 0x2222, Notifier: 0xA}
	fx.fields.Set(fieldKey, []byte{1})
	del := command.EncodeRoutingInfo(command.RoutingInfoPayload{Entries: []command.RoutingEntry{
		{Type: command.DeleteServiceInstance, Client: peer, Service: key},
		{Type: command.DeleteClient, Client: peer},
		{Type: command.DeleteClient, Client: localClient},
	}})
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.RoutingInfo, Payload: del})

	assert.Equal(t, 1, fx.selfDrops)
	assert.False(t, fx.known.Known(peer))
	assert.False(t, fx.app.Availabilities[key])
	_, ok = fx.fields.Get(fieldKey)
	assert.False(t, ok, "stale field payloads are unset on service deletion")
}

func TestDispatch_ParkedSubscribeReplayedOnce(t *testing.T) {
	fx := newFixture(t, Options{})
	peer := command.ClientID(0x0101)
	sub := command.SubscribePayload{
		Key:       command.SubscriptionKey{Service: 0x1111, Instance: 0x2222, Eventgroup: 0x10, Event: 0xA},
		PendingID: command.PendingSubscriptionID,
	}

	// Peer unknown: parked, no ack emitted.
	fx.d.Dispatch(Origin{Sender: peer}, command.Frame{ID: command.Subscribe, Client: peer, Payload: command.EncodeSubscribe(sub)})
	assert.Empty(t, fx.peerOut.byID(command.SubscribeAck))

	// Routing info announcing the peer releases the parked subscribe exactly once.
	info := command.EncodeRoutingInfo(command.RoutingInfoPayload{Entries: []command.RoutingEntry{
		{Type: command.AddClient, Client: peer},
	}})
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.RoutingInfo, Payload: info})
	assert.Len(t, fx.peerOut.byID(command.SubscribeAck), 1)

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.RoutingInfo, Payload: info})
	assert.Len(t, fx.peerOut.byID(command.SubscribeAck), 1, "parked subscribe replays precisely once")
}

func TestDispatch_SendRequestSecurityDenied(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true, SecurityLocal: true})
	peer := command.ClientID(0x0101)
	// No policy installed for the peer's identity: denied.
	msg := someipMessage(0x1111, 0x0042, command.MessageTypeRequest)
	fx.d.Dispatch(Origin{Sender: peer, Sec: security.SecClient{UID: 42, GID: 42}},
		sendFrame(command.Send, peer, 0x2222, msg))

	assert.Equal(t, 0, fx.app.MessageCount(), "denied request never reaches the application")
	assert.Empty(t, fx.hostOut.frames, "no response is fabricated")
}

func TestDispatch_SendRequestAllowedByPolicy(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true, SecurityLocal: true})
	peer := command.ClientID(0x0101)
	fx.policy.UpdateSecurityPolicy(&security.Policy{
		UID: 42, GID: 42,
		Requests: map[uint16]map[uint16]map[uint16]struct{}{
			0x1111: {0x2222: {0x0042: {}}},
		},
	})

	msg := someipMessage(0x1111, 0x0042, command.MessageTypeRequest)
	fx.d.Dispatch(Origin{Sender: peer, Sec: security.SecClient{UID: 42, GID: 42}},
		sendFrame(command.Send, peer, 0x2222, msg))
	assert.Equal(t, 1, fx.app.MessageCount())
}

func TestDispatch_RequestFromHostBypassesMemberCheck(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true, SecurityLocal: true})
	msg := someipMessage(0x1111, 0x0042, command.MessageTypeRequest)
	fx.d.Dispatch(HostOrigin(), sendFrame(command.Send, command.RoutingClient, 0x2222, msg))
	assert.Equal(t, 1, fx.app.MessageCount())
}

func TestDispatch_NotificationCachesFieldPayload(t *testing.T) {
	fx := newFixture(t, Options{})
	fieldKey := command.EventKey{Service: 0x1111, Instance: 0x2222, Notifier: 0xA}
	fx.registry.RegisterEvent(fieldKey, []uint16{0x10}, intent.EventTypeField, false, false, false)

	msg := someipMessage(0x1111, 0xA, command.MessageTypeNotification)
	fx.d.Dispatch(HostOrigin(), sendFrame(command.Send, command.RoutingClient, 0x2222, msg))

	cached, ok := fx.fields.Get(fieldKey)
	require.True(t, ok)
	assert.Equal(t, msg, cached)
	assert.Equal(t, 1, fx.app.MessageCount())
}

func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.Ping})
	pongs := fx.hostOut.byID(command.Pong)
	require.Len(t, pongs, 1)
	assert.Equal(t, localClient, pongs[0].Client)
}

func TestDispatch_PongOnlyFromHost(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.d.Dispatch(Origin{Sender: 0x0101}, command.Frame{ID: command.Pong, Client: 0x0101})
	assert.Equal(t, 0, fx.pongs)
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.Pong})
	assert.Equal(t, 1, fx.pongs)
}

func TestDispatch_ConfigRecordsHostname(t *testing.T) {
	fx := newFixture(t, Options{})
	peer := command.ClientID(0x0101)
	fx.known.Add(peer, intent.ClientInfo{})
	payload := command.EncodeConfig(command.ConfigPayload{Entries: map[string]string{"hostname": "node2"}})
	fx.d.Dispatch(Origin{Sender: peer}, command.Frame{ID: command.Config, Client: peer, Payload: payload})
	info, ok := fx.known.Get(peer)
	require.True(t, ok)
	assert.Equal(t, "node2", info.Hostname)
}

func TestDispatch_ResendProvidedEventsRoundTrip(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.d.Dispatch(Origin{Sender: 0x0101}, command.Frame{ID: command.ResendProvidedEvents, Client: 0x0101})
	assert.Equal(t, 0, fx.resends, "only the host may request a resend")

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.ResendProvidedEvents})
	assert.Equal(t, 1, fx.resends)
	assert.Len(t, fx.hostOut.byID(command.ResendProvidedEvents), 1, "resend is acked")
}

func TestDispatch_OfferedServicesRequestResponse(t *testing.T) {
	fx := newFixture(t, Options{})
	key := command.ServiceKey{Service: 0x1111, Instance: 0x2222, Major: 1}
	fx.registry.AddOffer(key)

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.OfferedServicesRequest})
	responses := fx.hostOut.byID(command.OfferedServicesResponse)
	require.Len(t, responses, 1)
	p, err := command.DecodeOfferedServices(responses[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []command.ServiceKey{key}, p.Services)

	// Inbound response is delivered to the application host.
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.OfferedServicesResponse, Payload: responses[0].Payload})
	require.Len(t, fx.app.Offered, 1)
	assert.Equal(t, key, fx.app.Offered[0][0].Key)
}

func TestDispatch_PolicyUpdateRoundTrip(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true})
	blob := security.SerializePolicyBlob(&security.Policy{
		UID: 42, GID: 42,
		Requests: map[uint16]map[uint16]map[uint16]struct{}{0x1111: {0x2222: {0x1: {}}}},
		Offers:   map[uint16]map[uint16]struct{}{},
	})
	payload := command.EncodeSecurityPolicy(command.SecurityPolicyPayload{UpdateID: 9, UID: 42, GID: 42, Blob: blob})

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.UpdateSecurityPolicy, Payload: payload})

	responses := fx.hostOut.byID(command.UpdateSecurityPolicyResponse)
	require.Len(t, responses, 1)
	resp, err := command.DecodeSecurityPolicyResponse(responses[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), resp.UpdateID)
	assert.True(t, fx.policy.IsClientAllowedToAccessMember(security.SecClient{UID: 42, GID: 42}, 0x1111, 0x2222, 0x1))

	// Removal undoes it.
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.RemoveSecurityPolicy,
		Payload: command.EncodeSecurityPolicy(command.SecurityPolicyPayload{UpdateID: 10, UID: 42, GID: 42})})
	require.Len(t, fx.hostOut.byID(command.RemoveSecurityPolicyResponse), 1)
	assert.False(t, fx.policy.IsClientAllowedToAccessMember(security.SecClient{UID: 42, GID: 42}, 0x1111, 0x2222, 0x1))
}

func TestDispatch_CredentialsFromHostOnly(t *testing.T) {
	fx := newFixture(t, Options{SecurityEnabled: true})
	payload := command.EncodeSecurityCredentials(command.SecurityCredentialsPayload{Credentials: map[uint32]uint32{7: 8}})

	fx.d.Dispatch(Origin{Sender: 0x0101}, command.Frame{ID: command.UpdateSecurityCredentials, Client: 0x0101, Payload: payload})
	_, ok := fx.policy.CredentialGID(7)
	assert.False(t, ok)

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.UpdateSecurityCredentials, Payload: payload})
	gid, ok := fx.policy.CredentialGID(7)
	require.True(t, ok)
	assert.Equal(t, uint32(8), gid)
}

func TestDispatch_SuspendClearsRemoteSubscribers(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.engine.HandleSubscribe(command.RoutingClient, command.SubscribePayload{
		Key:       command.SubscriptionKey{Service: 0x1111, Instance: 0x2222, Eventgroup: 0x10, Event: 0xA},
		PendingID: 7,
	})
	require.Equal(t, uint32(1), fx.engine.RemoteSubscriberCount(0x1111, 0x2222, 0x10))

	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.Suspend})
	assert.Equal(t, uint32(0), fx.engine.RemoteSubscriberCount(0x1111, 0x2222, 0x10))
}

func TestDispatch_UnknownCommandIgnored(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.d.Dispatch(HostOrigin(), command.Frame{ID: command.ID(0xEE)})
	assert.Empty(t, fx.hostOut.frames)
	assert.Equal(t, 0, fx.app.MessageCount())
}

func TestOriginForPeer(t *testing.T) {
	f := command.Frame{ID: command.Send, Client: 0x0101}

	// Local mode: the host is recognized by its client id.
	o := OriginForPeer(f, nil, f.Client, true, 0x0101, "", 0)
	assert.True(t, o.FromHost)
	assert.Equal(t, f.Client, o.Sender)
	o = OriginForPeer(f, nil, f.Client, true, 0x0000, "", 0)
	assert.False(t, o.FromHost)

	// Non-local: host recognized by (address, command port + 1).
	hostAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30491}
	o = OriginForPeer(f, hostAddr, f.Client, false, 0, "10.0.0.1", 30490)
	assert.True(t, o.FromHost)
	peerAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 30491}
	o = OriginForPeer(f, peerAddr, f.Client, false, 0, "10.0.0.1", 30490)
	assert.False(t, o.FromHost)
	assert.Equal(t, "10.0.0.2", o.Sec.Host)
}
