package transport

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartenfonseca/vsomeip/command"
)

func TestLocalPathHexClient(t *testing.T) {
	assert.Equal(t, "/tmp/vsomeip/0000", LocalPath("/tmp/vsomeip", 0))
	assert.Equal(t, "/tmp/vsomeip/1234", LocalPath("/tmp/vsomeip", 0x1234))
	assert.Equal(t, "/tmp/vsomeip/ffff", LocalPath("/tmp/vsomeip", 0xFFFF))
}

// hostListener is a minimal routing-host stand-in on the rendezvous path.
type hostListener struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn

	frames chan command.Frame
}

func newHostListener(t *testing.T, basePath string) *hostListener {
	t.Helper()
	path := LocalPath(basePath, HostRendezvousClient)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	h := &hostListener{ln: ln, frames: make(chan command.Frame, 32)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			h.mu.Lock()
			h.conns = append(h.conns, conn)
			h.mu.Unlock()
			go h.read(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return h
}

func (h *hostListener) read(conn net.Conn) {
	var pending []byte
	buf := make([]byte, 4096)
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

func (h *hostListener) write(t *testing.T, f command.Frame) {
	t.Helper()
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	buf, err := command.Encode(f)
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func TestClient_ConnectSendReceive(t *testing.T) {
	base := t.TempDir()
	host := newHostListener(t, base)

	connected := make(chan struct{}, 1)
	received := make(chan command.Frame, 8)
	c := NewClient(Address{Local: true, BasePath: base},
		func() { connected <- struct{}{} },
		nil,
		func(f command.Frame) { received <- f })
	c.Start(context.Background())
	defer c.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	assert.Equal(t, StatusConnected, c.Status())

	// Batched send arrives in order.
	ok := c.Send(
		command.Frame{ID: command.RegisterApplication, Client: 1},
		command.Frame{ID: command.Config, Client: 1},
	)
	require.True(t, ok)
	f1 := <-host.frames
	f2 := <-host.frames
	assert.Equal(t, command.RegisterApplication, f1.ID)
	assert.Equal(t, command.Config, f2.ID)

	// Inbound frames reach the message callback.
	host.write(t, command.Frame{ID: command.Pong})
	select {
	case f := <-received:
		assert.Equal(t, command.Pong, f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never delivered")
	}
}

func TestClient_DisconnectAndReconnect(t *testing.T) {
	base := t.TempDir()
	_ = newHostListener(t, base)

	var mu sync.Mutex
	var connects, disconnects int
	c := NewClient(Address{Local: true, BasePath: base},
		func() { mu.Lock(); connects++; mu.Unlock() },
		func(error) { mu.Lock(); disconnects++; mu.Unlock() },
		nil)
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Severing the connection triggers reconnect.
	c.Restart()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2 && disconnects >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := NewClient(Address{Local: true, BasePath: t.TempDir()}, nil, nil, nil)
	assert.False(t, c.Send(command.Frame{ID: command.Ping}))
	c.Stop()
}

func TestReceiver_AcceptsPeerFrames(t *testing.T) {
	base := t.TempDir()
	received := make(chan command.Frame, 8)
	r, err := NewLocalReceiver(base, 0x1234, func(_ net.Addr, _ command.ClientID, f command.Frame) { received <- f })
	require.NoError(t, err)
	defer r.Close()

	conn, err := net.Dial("unix", LocalPath(base, 0x1234))
	require.NoError(t, err)
	defer conn.Close()

	buf, err := command.Encode(command.Frame{ID: command.Subscribe, Client: 0x0101, Payload: []byte{1, 2}})
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)

	select {
	case f := <-received:
		assert.Equal(t, command.Subscribe, f.ID)
		assert.Equal(t, command.ClientID(0x0101), f.Client)
	case <-time.After(2 * time.Second):
		t.Fatal("peer frame never delivered")
	}
}

func TestReceiver_CloseRemovesSocket(t *testing.T) {
	base := t.TempDir()
	r, err := NewLocalReceiver(base, 0x1234, nil)
	require.NoError(t, err)

	path := LocalPath(base, 0x1234)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEndpoints_SendAndError(t *testing.T) {
	base := t.TempDir()
	peer := command.ClientID(0x0101)

	received := make(chan command.Frame, 8)
	r, err := NewLocalReceiver(base, peer, func(_ net.Addr, _ command.ClientID, f command.Frame) { received <- f })
	require.NoError(t, err)

	var errored []command.ClientID
	e := NewEndpoints(
		func(c command.ClientID) (string, string, bool) {
			return "unix", LocalPath(base, c), true
		},
		func(c command.ClientID) { errored = append(errored, c) },
		nil)
	defer e.CloseAll()

	require.True(t, e.Send(peer, command.Frame{ID: command.Notify, Client: 0x1234}))
	select {
	case f := <-received:
		assert.Equal(t, command.Notify, f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint frame never delivered")
	}
	assert.True(t, e.Find(peer))
	assert.Equal(t, []command.ClientID{peer}, e.ConnectedClients())

	// Peer goes away: send fails, endpoint detaches, error callback fires.
	require.NoError(t, r.Close())
	require.Eventually(t, func() bool {
		return !e.Send(peer, command.Frame{ID: command.Notify})
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, e.Find(peer))
	assert.Contains(t, errored, peer)
}

func TestEndpoints_UnresolvablePeer(t *testing.T) {
	e := NewEndpoints(func(command.ClientID) (string, string, bool) { return "", "", false }, nil, nil)
	assert.False(t, e.Send(0x0101, command.Frame{ID: command.Notify}))
}
