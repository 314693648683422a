package ngmesh

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv6"

	"github.com/TheusHen/ngmesh/ngmesh/baseserver"
	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/directory"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

// pipeDevice stands in for the virtual interface: tests inject packets
// with send and collect delivered ones from written.
type pipeDevice struct {
	in      chan []byte
	written chan []byte
	once    sync.Once
	closed  chan struct{}
}

func newPipeDevice() *pipeDevice {
	return &pipeDevice{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (d *pipeDevice) Read(b []byte) (int, error) {
	select {
	case p := <-d.in:
		return copy(b, p), nil
	case <-d.closed:
		return 0, net.ErrClosed
	}
}

func (d *pipeDevice) Write(b []byte) (int, error) {
	select {
	case d.written <- append([]byte(nil), b...):
	default:
	}
	return len(b), nil
}

func (d *pipeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *pipeDevice) send(p []byte) { d.in <- p }

func ipv6Packet(src, dst netip.Addr, payload []byte) []byte {
	b := make([]byte, ipv6.HeaderLen+len(payload))
	b[0] = ipv6.Version << 4
	b[4] = byte(len(payload) >> 8)
	b[5] = byte(len(payload))
	b[6] = 59
	b[7] = 64
	s, d := src.As16(), dst.As16()
	copy(b[8:24], s[:])
	copy(b[24:40], d[:])
	copy(b[40:], payload)
	return b
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = ""
	cfg.STUNServers = nil
	cfg.MDNS = false
	cfg.UPnP = false
	return cfg
}

func newID(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Identity.ID.IsZero() {
		opts.Identity = newID(t)
	}
	if opts.Store == nil {
		opts.Store = config.NewMemoryStore()
	}
	if opts.Config.ListenPort == 0 && opts.Config.DataDir == "" {
		opts.Config = testConfig(t)
	}
	opts.ListenAddr = "127.0.0.1:0"
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{Identity: newID(t)})
	assert.ErrorIs(t, err, ErrMissingStore)
}

func TestWhitelistPolicy(t *testing.T) {
	m := newManager(t, Options{})
	other := newID(t).ID

	assert.True(t, m.WhitelistEnabled())
	assert.False(t, m.IsPeerAllowed(other))
	assert.False(t, m.IsPeerAllowed(m.Identity().ID))
	assert.False(t, m.IsPeerAllowed(identity.MulticastDeviceID))

	require.NoError(t, m.WhitelistAdd(other))
	assert.True(t, m.IsPeerAllowed(other))
	assert.Equal(t, []identity.DeviceID{other}, m.MulticastDestinations())

	require.NoError(t, m.WhitelistRemove(context.Background(), other))
	assert.False(t, m.IsPeerAllowed(other))
	assert.Empty(t, m.MulticastDestinations())

	require.NoError(t, m.WhitelistDisable())
	assert.True(t, m.IsPeerAllowed(other))
	assert.False(t, m.IsPeerAllowed(identity.MulticastDeviceID))
	assert.Empty(t, m.MulticastDestinations())

	assert.ErrorIs(t, m.WhitelistAdd(identity.DeviceID{}), identity.ErrNotMeshAddress)
}

func TestSettingsSurviveRestart(t *testing.T) {
	store := config.NewMemoryStore()
	cfg := testConfig(t)
	id := newID(t)
	other := newID(t).ID

	m := newManager(t, Options{Config: cfg, Identity: id, Store: store})
	require.NoError(t, m.WhitelistAdd(other))
	require.NoError(t, m.WhitelistDisable())
	require.NoError(t, m.HostTableAdd("Laptop", other.Addr()))

	again := newManager(t, Options{Config: cfg, Identity: id, Store: store})
	assert.False(t, again.WhitelistEnabled())
	assert.Equal(t, []identity.DeviceID{other}, again.Whitelist())
	addr, ok := again.HostTableResolve("laptop")
	require.True(t, ok)
	assert.Equal(t, other.Addr(), addr)
}

func TestWebsetupIsAlwaysAllowed(t *testing.T) {
	websetup := newID(t).ID
	cfg := testConfig(t)
	cfg.WebsetupID = websetup.String()
	m := newManager(t, Options{Config: cfg})
	friend := newID(t).ID
	require.NoError(t, m.WhitelistAdd(friend))

	assert.True(t, m.IsPeerAllowed(websetup))
	assert.Equal(t, []identity.DeviceID{friend}, m.MulticastDestinations())

	p := m.peers.GetOrCreate(websetup)
	assert.True(t, p.Flags.Has(identity.FlagAlwaysAllowed))
	assert.False(t, p.Flags.Has(identity.FlagMulticast))
}

func TestHostTable(t *testing.T) {
	m := newManager(t, Options{})
	addr := newID(t).ID.Addr()

	require.NoError(t, m.HostTableAdd(" Printer ", addr))
	got, ok := m.HostTableResolve("PRINTER")
	require.True(t, ok)
	assert.Equal(t, addr, got)
	assert.Equal(t, map[string]netip.Addr{"printer": addr}, m.HostTable())

	require.NoError(t, m.HostTableRemove("printer"))
	_, ok = m.HostTableResolve("printer")
	assert.False(t, ok)
	assert.ErrorIs(t, m.HostTableAdd("", addr), config.ErrInvalidHostname)
}

func TestRegisterTrustedPeerAndCleanup(t *testing.T) {
	store := config.NewMemoryStore()
	websetup := newID(t).ID
	cfg := testConfig(t)
	cfg.WebsetupID = websetup.String()
	m := newManager(t, Options{Config: cfg, Store: store})
	ctx := context.Background()

	friend := newID(t).ID
	require.NoError(t, m.RegisterTrustedPeer(friend, "friend"))
	assert.True(t, m.IsPeerAllowed(friend))
	addr, ok := m.HostTableResolve("friend")
	require.True(t, ok)
	assert.Equal(t, friend.Addr(), addr)

	m.peers.GetOrCreate(friend)
	require.NoError(t, m.Cleanup(ctx))
	assert.False(t, m.IsPeerAllowed(friend))
	assert.True(t, m.IsPeerAllowed(websetup))
	assert.Empty(t, m.HostTable())

	ids, err := store.Whitelist()
	require.NoError(t, err)
	assert.Equal(t, []identity.DeviceID{websetup}, ids)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	var present bool
	require.NoError(t, m.loop.Call(ctx, func() { _, present = m.peers.Get(friend) }))
	assert.False(t, present)
	cancel()
	require.NoError(t, <-done)
}

func TestPeerFlags(t *testing.T) {
	m := newManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	stranger := newID(t).ID
	flags, err := m.PeerFlags(ctx, stranger)
	require.NoError(t, err)
	assert.Equal(t, identity.DefaultFlags, flags)
	assert.False(t, m.IsPeerAllowed(stranger))

	require.NoError(t, m.SetPeerFlags(ctx, stranger, identity.FlagAlwaysAllowed))
	assert.True(t, m.IsPeerAllowed(stranger), "always-allowed bypasses the whitelist")
	flags, err = m.PeerFlags(ctx, stranger)
	require.NoError(t, err)
	assert.False(t, flags.Has(identity.FlagMulticast))

	require.NoError(t, m.SetPeerFlags(ctx, stranger, identity.DefaultFlags))
	assert.False(t, m.IsPeerAllowed(stranger))
	var present bool
	require.NoError(t, m.loop.Call(ctx, func() { _, present = m.peers.Get(stranger) }))
	assert.False(t, present, "revoked peer is evicted")

	assert.ErrorIs(t, m.SetPeerFlags(ctx, m.Identity().ID, identity.FlagAlwaysAllowed), identity.ErrNotMeshAddress)
}

func TestDirectoryResolution(t *testing.T) {
	websetup := newID(t).ID
	res := directory.NewStatic(directory.Directory{
		Domain:      "dash.example",
		BaseServers: []string{"127.0.0.1:1"},
		WebsetupID:  websetup,
	})
	store := config.NewMemoryStore()
	cfg := testConfig(t)
	cfg.DashboardDomain = "dash.example"
	m := newManager(t, Options{Config: cfg, Store: store, Resolver: res})

	assert.True(t, m.IsPeerAllowed(websetup))
	v, ok, err := store.Setting(config.SettingWebsetupID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, websetup.String(), v)
}

type node struct {
	m   *Manager
	dev *pipeDevice
}

func TestMeshDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a base server and four nodes")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := baseserver.New(baseserver.Options{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() { _ = srv.Close() })

	nodes := make([]node, 4)
	ids := make([]identity.Identity, len(nodes))
	for i := range ids {
		ids[i] = newID(t)
	}
	var wg sync.WaitGroup
	for i := range nodes {
		cfg := testConfig(t)
		cfg.BaseServers = []string{srv.Addr().String()}
		dev := newPipeDevice()
		m := newManager(t, Options{Config: cfg, Identity: ids[i], Device: dev})
		for j, other := range ids {
			if j != i {
				require.NoError(t, m.WhitelistAdd(other.ID))
			}
		}
		nodes[i] = node{m: m, dev: dev}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Run(ctx))
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, n := range nodes {
		require.Eventually(t, func() bool {
			ok, err := n.m.IsConnectedToBase(ctx)
			return err == nil && ok
		}, 10*time.Second, 50*time.Millisecond)
	}

	a, b := nodes[0], nodes[1]
	unicast := ipv6Packet(a.m.SelfAddress(), b.m.SelfAddress(), []byte("hello b"))
	a.dev.send(unicast)
	select {
	case got := <-b.dev.written:
		assert.Equal(t, unicast, got)
	case <-ctx.Done():
		t.Fatal("unicast packet not delivered")
	}

	group := ipv6Packet(a.m.SelfAddress(), identity.MulticastAddr, []byte("hello all"))
	a.dev.send(group)
	for _, n := range nodes[1:] {
		select {
		case got := <-n.dev.written:
			assert.Equal(t, group, got)
		case <-ctx.Done():
			t.Fatal("multicast packet not delivered")
		}
	}
	for _, n := range nodes[1:] {
		st, err := a.m.SessionState(ctx, n.m.Identity().ID)
		require.NoError(t, err)
		assert.Equal(t, peer.StateEstablished, st)
	}

	require.Eventually(t, func() bool {
		ct, err := a.m.ConnectionType(ctx, b.m.Identity().ID)
		return err == nil && ct == peer.ConnectionDirect
	}, 15*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		lat, err := a.m.Latency(ctx, b.m.Identity().ID)
		return err == nil && lat >= 0
	}, 15*time.Second, 100*time.Millisecond)

	peers, err := a.m.Peers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 3)
}
