package hub

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterhub/internal/logging"
	"clusterhub/internal/microservices/tcp"
	"clusterhub/internal/peer"
	"clusterhub/internal/protocol"
	"clusterhub/internal/registry"
	"clusterhub/internal/router"
)

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h := New(Config{Addr: "127.0.0.1:0", Connection: tcp.DefaultOptions()}, opts...)
	require.NoError(t, h.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- h.Start() }()
	t.Cleanup(func() {
		assert.NoError(t, h.Stop())
		assert.NoError(t, <-errCh)
	})
	return h
}

func connect(t *testing.T, h *Hub, opts ...peer.Option) *peer.Client {
	t.Helper()
	opts = append([]peer.Option{peer.WithLogger(logging.Discard())}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := peer.Dial(ctx, h.Addr(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func register(t *testing.T, c *peer.Client, typ protocol.ServerType, name, addr string) protocol.RegistrationResult {
	t.Helper()
	address, err := protocol.ParseServerAddress(addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Register(ctx, protocol.RegistrationInfo{
		Identity: protocol.ServerIdentity{Type: typ},
		Name:     name,
		Address:  address,
	})
	require.NoError(t, err)
	return res
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHub_LoginBeforeDatabaseGetsPushedResources(t *testing.T) {
	h := startHub(t)

	login := connect(t, h)
	pushed := make(chan []protocol.ServerAddress, 1)
	login.OnResources(func(addrs []protocol.ServerAddress) { pushed <- addrs })

	res := register(t, login, protocol.TypeLogin, "L1", "10.0.0.1:7000")
	assert.Equal(t, protocol.TypeLogin, res.Identity.Type)
	assert.Equal(t, uint8(1), res.Identity.Index)
	assert.Empty(t, res.Resources.Addresses)

	db := connect(t, h)
	dbPushed := make(chan []protocol.ServerAddress, 1)
	db.OnResources(func(addrs []protocol.ServerAddress) { dbPushed <- addrs })
	register(t, db, protocol.TypeDatabase, "D1", "10.0.0.9:6000")

	select {
	case addrs := <-pushed:
		require.Len(t, addrs, 1)
		assert.Equal(t, "10.0.0.9:6000", addrs[0].String())
	case <-time.After(2 * time.Second):
		t.Fatal("login peer did not receive a resource push")
	}
	select {
	case addrs := <-dbPushed:
		t.Fatalf("database peer received its own push: %v", addrs)
	case <-time.After(100 * time.Millisecond):
	}

	s, ok := h.Registry().Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, s.ResourcesAlreadySent)
}

func TestHub_WorldGetsDatabasesRoundRobin(t *testing.T) {
	h := startHub(t)

	register(t, connect(t, h), protocol.TypeDatabase, "D1", "10.0.0.1:6000")
	register(t, connect(t, h), protocol.TypeDatabase, "D2", "10.0.0.2:6000")

	world := connect(t, h)
	res := register(t, world, protocol.TypeWorld, "W1", "10.0.0.3:7200")
	require.Len(t, res.Resources.Addresses, 1)
	assert.Equal(t, "10.0.0.1:6000", res.Resources.Addresses[0].String())

	// the registration pick left the cursor on D2
	addrs, err := world.GetResourceAddress(ctxT(t), 2)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, []string{"10.0.0.2:6000", "10.0.0.1:6000"}, []string{addrs[0].String(), addrs[1].String()})

	addrs, err = world.GetResourceAddress(ctxT(t), 1)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.2:6000", addrs[0].String())
}

func TestHub_RoutesSingleTargetWithSenderTag(t *testing.T) {
	h := startHub(t)

	clients := make([]*peer.Client, 5)
	for i := range clients {
		clients[i] = connect(t, h)
		res := register(t, clients[i], protocol.TypeWorld, fmt.Sprintf("W%d", i+1), fmt.Sprintf("10.0.1.%d:7200", i+1))
		require.Equal(t, uint8(i+1), res.Identity.Index)
	}

	received := make(chan peer.RoutedMessage, 1)
	clients[4].OnRouted(func(m peer.RoutedMessage) { received <- m })

	require.NoError(t, clients[1].Route(protocol.ModeSingle, 5, protocol.MasServerNotice, []byte{1, 2, 3}))

	select {
	case m := <-received:
		assert.Equal(t, protocol.MasServerNotice, m.Command)
		assert.Equal(t, []byte{1, 2, 3}, m.Payload)
		assert.Equal(t, uint8(2), m.SenderIndex)
		typ, idx, packed := router.DecodeSenderTag(m.SenderTag)
		assert.True(t, packed)
		assert.Equal(t, protocol.TypeWorld, typ)
		assert.Equal(t, uint8(2), idx)
	case <-time.After(2 * time.Second):
		t.Fatal("routed message not delivered")
	}
}

func TestHub_FindServer(t *testing.T) {
	h := startHub(t)

	register(t, connect(t, h), protocol.TypeCharSelect, "select-1", "10.0.0.4:7100")
	asker := connect(t, h, peer.WithFrameSequence())

	// lookups before registering are tolerated
	found, err := asker.FindServer(ctxT(t), protocol.TypeCharSelect, "select-1")
	require.NoError(t, err)
	assert.Equal(t, "select-1", found.Name)
	assert.Equal(t, uint8(1), found.Identity.Index)
	assert.Equal(t, "10.0.0.4:7100", found.Address.String())

	_, err = asker.FindServer(ctxT(t), protocol.TypeCharSelect, "select-2")
	assert.ErrorIs(t, err, peer.ErrNotFound)

	_, err = asker.FindServer(ctxT(t), protocol.TypeWorld, "select-1")
	assert.ErrorIs(t, err, peer.ErrNotFound)
}

func TestHub_DisconnectUnregistersAndFreesIndex(t *testing.T) {
	h := startHub(t)

	first := connect(t, h)
	register(t, first, protocol.TypeLogin, "L1", "10.0.0.1:7000")
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool { return h.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	res := register(t, connect(t, h), protocol.TypeLogin, "L2", "10.0.0.2:7000")
	assert.Equal(t, uint8(1), res.Identity.Index)
}

func TestHub_DuplicateRegistrationRejected(t *testing.T) {
	h := startHub(t)
	c := connect(t, h)
	register(t, c, protocol.TypeLogin, "L1", "10.0.0.1:7000")

	_, err := c.Register(ctxT(t), protocol.RegistrationInfo{
		Identity: protocol.ServerIdentity{Type: protocol.TypeLogin},
		Name:     "L1-again",
	})
	var resErr *peer.ResultError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, protocol.ResultAlreadyRegistered, resErr.Result)
	assert.Equal(t, 1, h.Registry().Len())
}

func TestHub_UnknownTypeRejected(t *testing.T) {
	h := startHub(t)
	c := connect(t, h)

	_, err := c.Register(ctxT(t), protocol.RegistrationInfo{
		Identity: protocol.ServerIdentity{Type: protocol.ServerType(42)},
		Name:     "odd",
	})
	var resErr *peer.ResultError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, protocol.ResultUnknownType, resErr.Result)
	assert.Zero(t, h.Registry().Len())
}

func TestHub_ResourceRequestBeforeRegisterRejected(t *testing.T) {
	h := startHub(t)
	c := connect(t, h)

	_, err := c.GetResourceAddress(ctxT(t), 1)
	assert.ErrorIs(t, err, peer.ErrNotRegistered)
}

func TestHub_NoProvidersReportsNotFound(t *testing.T) {
	h := startHub(t)
	c := connect(t, h)
	register(t, c, protocol.TypeWorld, "W1", "10.0.0.3:7200")

	_, err := c.GetResourceAddress(ctxT(t), 1)
	assert.ErrorIs(t, err, peer.ErrNotFound)
}

func TestHub_UnknownCommandsCloseAfterThreshold(t *testing.T) {
	opts := tcp.DefaultOptions()
	opts.MaxFailCount = 2
	h := New(Config{Addr: "127.0.0.1:0", Connection: opts}, WithLogger(logging.Discard()))
	require.NoError(t, h.Listen())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Start() }()
	defer func() {
		assert.NoError(t, h.Stop())
		assert.NoError(t, <-errCh)
	}()

	conn, err := net.Dial("tcp", h.Addr())
	require.NoError(t, err)
	defer conn.Close()

	stream := append(protocol.Message{Command: 7}.Frame(), protocol.Message{Command: 8}.Frame()...)
	_, err = conn.Write(stream)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err, "hub should close the connection")
}

func TestHub_StateTransitions(t *testing.T) {
	h := startHub(t)
	c := connect(t, h)

	var connID string
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for id := range h.sessions {
			connID = id
		}
		return connID != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, h.State(connID))

	register(t, c, protocol.TypeLogin, "L1", "10.0.0.1:7000")
	assert.Equal(t, StateRegistered, h.State(connID))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return h.State(connID) == StateDisconnected }, 2*time.Second, 10*time.Millisecond)
}

type recordingMirror struct {
	puts    chan protocol.ServerIdentity
	removes chan protocol.ServerIdentity
	closed  bool
}

func (m *recordingMirror) Put(s registry.RegisteredServer) { m.puts <- s.Identity }
func (m *recordingMirror) Remove(id protocol.ServerIdentity) { m.removes <- id }
func (m *recordingMirror) Refresh(func() []registry.RegisteredServer) {}
func (m *recordingMirror) Close() error { m.closed = true; return nil }

func TestHub_MirrorsMembership(t *testing.T) {
	m := &recordingMirror{
		puts:    make(chan protocol.ServerIdentity, 4),
		removes: make(chan protocol.ServerIdentity, 4),
	}
	h := startHub(t, WithMirror(m))

	c := connect(t, h)
	res := register(t, c, protocol.TypeWorld, "W1", "10.0.0.3:7200")
	assert.Equal(t, res.Identity, <-m.puts)

	require.NoError(t, c.Close())
	select {
	case id := <-m.removes:
		assert.Equal(t, res.Identity, id)
	case <-time.After(2 * time.Second):
		t.Fatal("mirror not told about the disconnect")
	}
}

// refreshMirror records which indexes each refresh snapshot held.
type refreshMirror struct {
	noopMirror
	snapshots chan []uint8
}

func (m *refreshMirror) Refresh(snapshot func() []registry.RegisteredServer) {
	var idx []uint8
	for _, s := range snapshot() {
		idx = append(idx, s.Identity.Index)
	}
	select {
	case m.snapshots <- idx:
	default:
	}
}

func TestHub_RefreshSnapshotsLiveRegistry(t *testing.T) {
	m := &refreshMirror{snapshots: make(chan []uint8, 1)}
	h := New(Config{
		Addr:            "127.0.0.1:0",
		Connection:      tcp.DefaultOptions(),
		RefreshInterval: 10 * time.Millisecond,
	}, WithLogger(logging.Discard()), WithMirror(m))
	require.NoError(t, h.Listen())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Start() }()
	t.Cleanup(func() {
		assert.NoError(t, h.Stop())
		assert.NoError(t, <-errCh)
	})

	c := connect(t, h)
	res := register(t, c, protocol.TypeWorld, "W1", "10.0.0.3:7200")
	require.Eventually(t, func() bool {
		select {
		case idx := <-m.snapshots:
			return len(idx) == 1 && idx[0] == res.Identity.Index
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// every refresh started after the unregister must see it
	assert.Eventually(t, func() bool {
		select {
		case idx := <-m.snapshots:
			return len(idx) == 0
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
