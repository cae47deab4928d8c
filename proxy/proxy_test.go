package proxy

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartenfonseca/vsomeip/apphost"
	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/config"
	"github.com/duartenfonseca/vsomeip/proxystate"
	"github.com/duartenfonseca/vsomeip/transport"
)

const assignedClient = command.ClientID(0x1234)

// fakeHost is a scripted routing host listening on the local rendezvous
// socket the proxy's sender dials.
type fakeHost struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn

	frames chan command.Frame
}

func newFakeHost(t *testing.T, basePath string) *fakeHost {
	t.Helper()
	path := transport.LocalPath(basePath, transport.HostRendezvousClient)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	h := &fakeHost{t: t, ln: ln, frames: make(chan command.Frame, 128)}
	go h.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return h
}

func (h *fakeHost) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		go h.readLoop(conn)
	}
}

func (h *fakeHost) readLoop(conn net.Conn) {
	var pending []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				f, consumed, derr := command.Decode(pending)
				if derr != nil {
					break
				}
				pending = pending[consumed:]
				h.frames <- f
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *fakeHost) send(f command.Frame) {
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	buf, err := command.Encode(f)
	require.NoError(h.t, err)
	_, err = conn.Write(buf)
	require.NoError(h.t, err)
}

// dropConnection severs the proxy's sender link, simulating host loss.
func (h *fakeHost) dropConnection() {
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	_ = conn.Close()
}

// next returns the next frame that is not a PING (keepalive noise).
func (h *fakeHost) next(timeout time.Duration) (command.Frame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-h.frames:
			if f.ID == command.Ping {
				continue
			}
			return f, true
		case <-deadline:
			return command.Frame{}, false
		}
	}
}

func (h *fakeHost) expect(id command.ID) command.Frame {
	h.t.Helper()
	f, ok := h.next(2 * time.Second)
	require.True(h.t, ok, "expected %s, got nothing", id)
	require.Equal(h.t, id, f.ID)
	return f
}

// completeRegistration drives the assign/register handshake to Registered.
func (h *fakeHost) completeRegistration() {
	h.t.Helper()
	h.expect(command.AssignClient)
	h.send(command.Frame{
		ID:      command.AssignClientAck,
		Payload: command.EncodeAssignClientAck(command.AssignClientAckPayload{Assigned: assignedClient}),
	})
	h.expect(command.RegisterApplication)
	h.expect(command.Config)
	h.send(command.Frame{
		ID: command.RoutingInfo,
		Payload: command.EncodeRoutingInfo(command.RoutingInfoPayload{Entries: []command.RoutingEntry{
			{Type: command.AddClient, Client: assignedClient},
		}}),
	})
	h.expect(command.RegisteredAck)
}

func testConfig(t *testing.T, basePath string, debounce time.Duration) *config.SafeConfig {
	t.Helper()
	cfg := &config.Config{
		Version:  "0.1.0",
		Platform: config.PlatformConfig{Org: "test", ID: "node1"},
		Proxy: config.ProxyConfig{
			Hostname:        "node1",
			RoutingHost:     config.RoutingHostConfig{Local: true, BasePath: basePath},
			RequestDebounce: debounce,
			ShutdownTimeout: time.Second,
		},
	}
	require.NoError(t, cfg.Validate())
	return config.NewSafeConfig(cfg)
}

func startProxy(t *testing.T, cfg *config.SafeConfig, rec *apphost.Recorder) *RoutingProxy {
	t.Helper()
	p := New(cfg, rec, Options{})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func waitState(t *testing.T, rec *apphost.Recorder, s apphost.State) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.LastState() == s },
		3*time.Second, 10*time.Millisecond, "waiting for state %v", s)
}

func TestProxy_AssignRegisterOffer(t *testing.T) {
	base := t.TempDir()
	host := newFakeHost(t, base)
	rec := apphost.NewRecorder("app1")
	cfg := testConfig(t, base, 0)
	p := startProxy(t, cfg, rec)

	// The offer is declared before registration completes.
	require.NoError(t, p.OfferService(0x1111, 0x2222, 1, 0))

	host.completeRegistration()

	// Exactly one OFFER_SERVICE after REGISTERED_ACK.
	offer := host.expect(command.OfferService)
	assert.Equal(t, assignedClient, offer.Client)
	sc, err := command.DecodeServiceCommand(offer.Payload)
	require.NoError(t, err)
	assert.Equal(t, command.ServiceKey{Service: 0x1111, Instance: 0x2222, Major: 1}, sc.Key)

	waitState(t, rec, apphost.StateRegistered)
	assert.Equal(t, assignedClient, rec.Client)
	assert.Equal(t, assignedClient, p.ClientID())

	// Re-offering the same key is silent.
	require.NoError(t, p.OfferService(0x1111, 0x2222, 1, 0))
	_, got := host.next(150 * time.Millisecond)
	assert.False(t, got, "duplicate offer must not reach the wire")
}

func TestProxy_RequestDebounce(t *testing.T) {
	base := t.TempDir()
	host := newFakeHost(t, base)
	rec := apphost.NewRecorder("app1")
	cfg := testConfig(t, base, 50*time.Millisecond)
	p := startProxy(t, cfg, rec)

	host.completeRegistration()
	waitState(t, rec, apphost.StateRegistered)

	keyA := command.ServiceKey{Service: 0x0A0A, Instance: 0x1, Major: 1}
	keyB := command.ServiceKey{Service: 0x0B0B, Instance: 0x1, Major: 1}
	require.NoError(t, p.RequestService(keyA.Service, keyA.Instance, keyA.Major, keyA.Minor))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.RequestService(keyB.Service, keyB.Instance, keyB.Major, keyB.Minor))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.ReleaseService(keyA.Service, keyA.Instance, keyA.Major, keyA.Minor))

	req := host.expect(command.RequestService)
	rp, err := command.DecodeRequestServices(req.Payload)
	require.NoError(t, err)
	assert.Equal(t, []command.ServiceKey{keyB}, rp.Requests, "released request is cancelled silently")
}

func TestProxy_ReconnectReplay(t *testing.T) {
	base := t.TempDir()
	host := newFakeHost(t, base)
	rec := apphost.NewRecorder("app1")
	cfg := testConfig(t, base, 0)
	p := startProxy(t, cfg, rec)

	require.NoError(t, p.OfferService(0x1111, 0x2222, 1, 0))
	require.NoError(t, p.RegisterEvent(0x1111, 0x2222, 0xAAAA, []uint16{0x10}, 2, false, false, true))
	require.NoError(t, p.RegisterEvent(0x3333, 0x4444, 0xBBBB, []uint16{0x11}, 0, false, false, false))

	host.completeRegistration()
	host.expect(command.OfferService)
	host.expect(command.RegisterEvent) // provided 0xAAAA
	host.expect(command.RegisterEvent) // consumer-side 0xBBBB, first epoch only
	waitState(t, rec, apphost.StateRegistered)

	// Sever the sender: the proxy must deregister and then replay the
	// whole intent on the next epoch.
	host.dropConnection()
	waitState(t, rec, apphost.StateDeregistered)

	host.completeRegistration()
	offer := host.expect(command.OfferService)
	sc, err := command.DecodeServiceCommand(offer.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1111), sc.Key.Service)

	regEvent := host.expect(command.RegisterEvent)
	ep, err := command.DecodeEventRegistration(regEvent.Payload)
	require.NoError(t, err)
	assert.True(t, ep.IsProvided)
	assert.Equal(t, uint16(0xAAAA), ep.Key.Notifier)

	// The consumer-side registration was announced once in the first
	// epoch and must not replay.
	if f, got := host.next(150 * time.Millisecond); got {
		t.Fatalf("unexpected frame after provider replay: %s", f.ID)
	}

	waitState(t, rec, apphost.StateRegistered)
	assert.GreaterOrEqual(t, rec.StateCount(), 3)
}

func TestProxy_StopRemovesRendezvousAndDeregisters(t *testing.T) {
	base := t.TempDir()
	host := newFakeHost(t, base)
	rec := apphost.NewRecorder("app1")
	cfg := testConfig(t, base, 0)
	p := startProxy(t, cfg, rec)

	host.completeRegistration()
	waitState(t, rec, apphost.StateRegistered)

	socket := transport.LocalPath(base, assignedClient)
	_, err := os.Stat(socket)
	require.NoError(t, err, "receiver rendezvous socket must exist while registered")

	go func() {
		// Answer the deregistration so Stop does not wait out its timeout.
		time.Sleep(50 * time.Millisecond)
		host.send(command.Frame{
			ID: command.RoutingInfo,
			Payload: command.EncodeRoutingInfo(command.RoutingInfoPayload{Entries: []command.RoutingEntry{
				{Type: command.DeleteClient, Client: assignedClient},
			}}),
		})
	}()
	p.Stop()

	dereg := host.expect(command.DeregisterApplication)
	assert.Equal(t, assignedClient, dereg.Client)

	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err), "rendezvous socket removed on clean stop")
	assert.Equal(t, proxystate.Deregistered.String(), p.State())
}

func TestProxy_UnsetAssignIsFailure(t *testing.T) {
	base := t.TempDir()
	host := newFakeHost(t, base)
	rec := apphost.NewRecorder("app1")
	cfg := testConfig(t, base, 0)
	p := startProxy(t, cfg, rec)

	host.expect(command.AssignClient)
	host.send(command.Frame{
		ID:      command.AssignClientAck,
		Payload: command.EncodeAssignClientAck(command.AssignClientAckPayload{Assigned: command.UnsetClient}),
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, proxystate.Assigning.String(), p.State(), "unset client id must not advance the state machine")
	assert.Equal(t, command.UnsetClient, p.ClientID())
}
