package ngsocket

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

type write struct {
	data []byte
	addr netip.AddrPort
}

type fakeConn struct {
	writes []write
	fail   bool
}

func (c *fakeConn) WriteTo(b []byte, addr netip.AddrPort) error {
	if c.fail {
		return errors.New("unreachable")
	}
	c.writes = append(c.writes, write{append([]byte(nil), b...), addr})
	return nil
}

func (c *fakeConn) take() []write {
	w := c.writes
	c.writes = nil
	return w
}

type fakeBase struct {
	frames []protocol.Frame
}

func (b *fakeBase) Send(f protocol.Frame) bool {
	b.frames = append(b.frames, f)
	return true
}

func (b *fakeBase) relays(t *testing.T) []protocol.Relay {
	t.Helper()
	var out []protocol.Relay
	for _, f := range b.frames {
		if f.Type == protocol.MessageTypeRelay {
			r, err := protocol.UnmarshalRelay(f.Payload)
			require.NoError(t, err)
			out = append(out, r)
		}
	}
	b.frames = nil
	return out
}

type allowAll struct{ denied map[identity.DeviceID]bool }

func (a allowAll) IsPeerAllowed(id identity.DeviceID) bool { return !a.denied[id] }

type fixture struct {
	clock   *clock.Mock
	self    identity.Identity
	remote  identity.Identity
	conn    *fakeConn
	base    *fakeBase
	socket  *Socket
	top     *layer.Sink
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	self, err := identity.Generate()
	require.NoError(t, err)
	remote, err := identity.Generate()
	require.NoError(t, err)

	f := &fixture{
		clock:   clock.NewMock(),
		self:    self,
		remote:  remote,
		conn:    &fakeConn{},
		base:    &fakeBase{},
		top:     &layer.Sink{},
		metrics: metrics.New(),
	}
	f.socket, err = New(Options{
		Identity: self,
		Peers:    peer.NewContainer(nil),
		Policy:   allowAll{},
		Conn:     f.conn,
		Base:     f.base,
		Clock:    f.clock,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	layer.Stack(f.top, f.socket)
	return f
}

func (f *fixture) dataPacket(payload string) []byte {
	return protocol.NewPacket(protocol.MessageTypeData, f.self.ID, []byte(payload))
}

func (f *fixture) tick() {
	f.clock.Add(time.Second)
	f.socket.Tick(f.clock.Now())
}

// pongFor answers the ping written to addr as the remote device.
func (f *fixture) pongFor(t *testing.T, w write) []byte {
	t.Helper()
	h, body, err := protocol.ParseHeader(w.data)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypePing, h.Type)
	ping, err := protocol.UnmarshalPing(body)
	require.NoError(t, err)
	require.Equal(t, f.remote.ID, ping.Target)

	pong := protocol.Pong{Nonce: ping.Nonce, Observed: netip.MustParseAddrPort("203.0.113.1:40000"), Target: f.self.ID}
	pong.Sign(f.remote.KeyPair)
	return protocol.NewPacket(protocol.MessageTypePong, f.remote.ID, pong.Marshal())
}

func TestRelayUntilDirectConfirmed(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.MustParseAddrPort("198.51.100.1:5582"))
	assert.True(t, f.socket.IsConnectedToBase())

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("one")})
	relays := f.base.relays(t)
	require.Len(t, relays, 1)
	assert.Equal(t, f.remote.ID, relays[0].Peer)
	assert.Empty(t, f.conn.take())

	near := netip.MustParseAddrPort("192.0.2.10:5582")
	far := netip.MustParseAddrPort("192.0.2.20:5582")
	f.socket.HandlePeerList([]protocol.PeerEntry{{DeviceID: f.remote.ID, Addresses: []netip.AddrPort{near, far}}})

	f.tick()
	assert.Equal(t, peer.ConnectionRelay, f.socket.ConnectionType(f.remote.ID))
	pings := f.conn.take()
	require.Len(t, pings, 2)
	f.base.frames = nil

	// Data keeps flowing over the relay while probes are outstanding.
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("two")})
	require.Len(t, f.base.relays(t), 1)

	var farPing write
	for _, w := range pings {
		if w.addr == far {
			farPing = w
		}
	}
	f.socket.HandlePacket(f.pongFor(t, farPing), far)
	assert.Equal(t, peer.ConnectionDirect, f.socket.ConnectionType(f.remote.ID))

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("three")})
	writes := f.conn.take()
	require.Len(t, writes, 1)
	assert.Equal(t, far, writes[0].addr)
	assert.Empty(t, f.base.relays(t), "relay is not used once direct")

	assert.Contains(t, f.socket.LocalCandidates(), netip.MustParseAddrPort("203.0.113.1:40000"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Sent.WithLabelValues("relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Sent.WithLabelValues("direct")))
}

func TestStaleDirectPathFallsBackToRelay(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.AddrPort{})
	addr := netip.MustParseAddrPort("192.0.2.10:5582")

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.socket.HandlePeerList([]protocol.PeerEntry{{DeviceID: f.remote.ID, Addresses: []netip.AddrPort{addr}}})
	f.tick()
	pings := f.conn.take()
	require.Len(t, pings, 1)
	f.socket.HandlePacket(f.pongFor(t, pings[0]), addr)
	require.Equal(t, peer.ConnectionDirect, f.socket.ConnectionType(f.remote.ID))

	// Signed pongs to the keepalive pings hold the direct path.
	for i := 0; i < 20; i++ {
		f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("keep active")})
		f.tick()
		for _, w := range f.conn.take() {
			if h, _, err := protocol.ParseHeader(w.data); err == nil && h.Type == protocol.MessageTypePing {
				f.socket.HandlePacket(f.pongFor(t, w), addr)
			}
		}
	}
	assert.Equal(t, peer.ConnectionDirect, f.socket.ConnectionType(f.remote.ID))

	// Unauthenticated data from the preferred address does not.
	for i := 0; i < 16; i++ {
		f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("keep active")})
		f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypeData, f.remote.ID, []byte{byte(i)}), addr)
		f.tick()
	}
	assert.Len(t, f.top.FromLower, 16)
	assert.Equal(t, peer.ConnectionRelay, f.socket.ConnectionType(f.remote.ID))
	f.base.relays(t)
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("after")})
	assert.Len(t, f.base.relays(t), 1)
}

func TestSilentDirectPathGoesStale(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.AddrPort{})
	addr := netip.MustParseAddrPort("192.0.2.10:5582")

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.socket.HandlePeerList([]protocol.PeerEntry{{DeviceID: f.remote.ID, Addresses: []netip.AddrPort{addr}}})
	f.tick()
	pings := f.conn.take()
	require.Len(t, pings, 1)
	f.socket.HandlePacket(f.pongFor(t, pings[0]), addr)
	require.Equal(t, peer.ConnectionDirect, f.socket.ConnectionType(f.remote.ID))

	// Silence for longer than the stale threshold.
	for i := 0; i < 16; i++ {
		f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("keep active")})
		f.tick()
	}
	assert.Equal(t, peer.ConnectionRelay, f.socket.ConnectionType(f.remote.ID))
	f.base.relays(t)
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("after")})
	assert.Len(t, f.base.relays(t), 1)
}

func TestNoConnection(t *testing.T) {
	f := newFixture(t)
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	assert.Equal(t, peer.ConnectionNone, f.socket.ConnectionType(f.remote.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonNoConnection)))
	assert.Empty(t, f.base.frames)
}

func TestMalformedPacketsCounted(t *testing.T) {
	f := newFixture(t)
	from := netip.MustParseAddrPort("192.0.2.1:1")

	f.socket.HandlePacket([]byte{0x2c}, from)
	f.socket.HandlePacket([]byte("not a mesh packet at all"), from)
	bad := protocol.NewPacket(protocol.MessageTypeData, f.remote.ID, nil)
	bad[2] = 99
	f.socket.HandlePacket(bad, from)

	assert.Empty(t, f.top.FromLower)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonMalformed)))

	// Relayed packets must come from the device the server names.
	other, err := identity.Generate()
	require.NoError(t, err)
	f.socket.HandleRelayed(other.ID, protocol.NewPacket(protocol.MessageTypeData, f.remote.ID, nil))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonMalformed)))
}

func TestPingAnsweredWithSignedPong(t *testing.T) {
	f := newFixture(t)
	from := netip.MustParseAddrPort("192.0.2.55:7000")

	ping := protocol.Ping{Nonce: 77, Target: f.self.ID}
	f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypePing, f.remote.ID, ping.Marshal()), from)

	writes := f.conn.take()
	require.Len(t, writes, 1)
	assert.Equal(t, from, writes[0].addr)
	h, body, err := protocol.ParseHeader(writes[0].data)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypePong, h.Type)
	pong, err := protocol.UnmarshalPong(body)
	require.NoError(t, err)
	require.NoError(t, pong.Verify(f.self.ID))
	assert.Equal(t, from, pong.Observed)
	assert.Equal(t, uint64(77), pong.Nonce)

	p, ok := f.socket.peers.GetByAddress(from)
	require.True(t, ok, "ping source becomes a candidate")
	assert.Equal(t, f.remote.ID, p.ID)
}

func TestSpoofedPingsKeepBaseCandidate(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.AddrPort{})
	known := netip.MustParseAddrPort("192.0.2.10:5582")
	f.socket.HandlePeerList([]protocol.PeerEntry{{DeviceID: f.remote.ID, Addresses: []netip.AddrPort{known}}})

	// Pings are unsigned, so anyone can claim to be the remote device.
	spoofed := netip.MustParseAddr("203.0.113.66")
	for port := uint16(1000); port <= 1015; port++ {
		ping := protocol.Ping{Nonce: uint64(port), Target: f.self.ID}
		f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypePing, f.remote.ID, ping.Marshal()), netip.AddrPortFrom(spoofed, port))
	}
	f.conn.take()

	p, ok := f.socket.peers.GetByAddress(known)
	require.True(t, ok, "base candidate survives")
	assert.Equal(t, f.remote.ID, p.ID)
	assert.Len(t, p.Path.Candidates, peer.MaxCandidates)

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.tick()
	var probed bool
	for _, w := range f.conn.take() {
		probed = probed || w.addr == known
	}
	assert.True(t, probed)
}

func TestForgedPongIgnored(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.AddrPort{})
	addr := netip.MustParseAddrPort("192.0.2.10:5582")
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.socket.HandlePeerList([]protocol.PeerEntry{{DeviceID: f.remote.ID, Addresses: []netip.AddrPort{addr}}})
	f.tick()
	pings := f.conn.take()
	require.Len(t, pings, 1)

	// Signed by someone else.
	mallory, err := identity.Generate()
	require.NoError(t, err)
	_, body, _ := protocol.ParseHeader(pings[0].data)
	ping, _ := protocol.UnmarshalPing(body)
	pong := protocol.Pong{Nonce: ping.Nonce, Target: f.self.ID}
	pong.Sign(mallory.KeyPair)
	f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypePong, f.remote.ID, pong.Marshal()), addr)

	// Right signer, wrong nonce.
	pong = protocol.Pong{Nonce: ping.Nonce + 2, Target: f.self.ID}
	pong.Sign(f.remote.KeyPair)
	f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypePong, f.remote.ID, pong.Marshal()), addr)

	assert.Equal(t, peer.ConnectionRelay, f.socket.ConnectionType(f.remote.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonAuth)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonStale)))
}

func TestAdvertisementAddsCandidates(t *testing.T) {
	f := newFixture(t)
	f.socket.SetBaseConnected(true, netip.MustParseAddrPort("198.51.100.1:5582"))
	f.socket.SetInterfaceAddresses([]netip.AddrPort{netip.MustParseAddrPort("10.0.0.5:5582")})

	adv := protocol.AddressAdvertisement{Addrs: []netip.AddrPort{netip.MustParseAddrPort("10.1.1.1:5582")}}
	f.socket.HandleRelayed(f.remote.ID, protocol.NewPacket(protocol.MessageTypeAddressAdvertisement, f.remote.ID, adv.Marshal()))
	p, ok := f.socket.peers.GetByAddress(netip.MustParseAddrPort("10.1.1.1:5582"))
	require.True(t, ok)
	assert.Equal(t, f.remote.ID, p.ID)

	// The same advertisement straight over UDP is not vouched for.
	direct := protocol.AddressAdvertisement{Addrs: []netip.AddrPort{netip.MustParseAddrPort("203.0.113.66:1000")}}
	f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypeAddressAdvertisement, f.remote.ID, direct.Marshal()), netip.MustParseAddrPort("203.0.113.66:1000"))
	_, ok = f.socket.peers.GetByAddress(netip.MustParseAddrPort("203.0.113.66:1000"))
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonUntrusted)))

	// Active peers get our own candidates over the relay.
	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.base.frames = nil
	f.tick()
	var advertised []netip.AddrPort
	for _, r := range f.base.relays(t) {
		h, body, err := protocol.ParseHeader(r.Packet)
		require.NoError(t, err)
		if h.Type == protocol.MessageTypeAddressAdvertisement {
			got, err := protocol.UnmarshalAddressAdvertisement(body)
			require.NoError(t, err)
			advertised = got.Addrs
		}
	}
	assert.ElementsMatch(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.5:5582"),
		netip.MustParseAddrPort("198.51.100.1:5582"),
	}, advertised)
}

func TestUntrustedDropped(t *testing.T) {
	f := newFixture(t)
	f.socket.policy = allowAll{denied: map[identity.DeviceID]bool{f.remote.ID: true}}
	f.socket.SetBaseConnected(true, netip.AddrPort{})

	f.top.HandleFromUpper(layer.Frame{Peer: f.remote.ID, Data: f.dataPacket("x")})
	f.socket.HandlePacket(protocol.NewPacket(protocol.MessageTypeData, f.remote.ID, nil), netip.MustParseAddrPort("192.0.2.1:1"))
	assert.Empty(t, f.base.frames)
	assert.Empty(t, f.top.FromLower)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Dropped.WithLabelValues(layerName, metrics.ReasonUntrusted)))
}
