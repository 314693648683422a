// Package ngsocket is the bottom layer of the data plane. It delivers peer
// packets over a direct UDP path when one is confirmed and through the base
// server relay otherwise, and it runs the NAT traversal that finds direct
// paths.
//
// Socket holds the per-peer path logic and runs on the event loop. Runner
// owns the UDP socket, the base server connection and STUN, and feeds
// Socket by posting to the loop.
package ngsocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

const layerName = "ngsocket"

// MaxLocalCandidates bounds the addresses advertised for this device.
const MaxLocalCandidates = protocol.MaxAdvertisedAddresses

var (
	ErrMissingPeers  = errors.New("ngsocket: peer container required")
	ErrMissingPolicy = errors.New("ngsocket: policy required")
)

type localCandidate struct {
	source peer.Source
	added  time.Time
}

type Socket struct {
	layer.Base

	self    identity.Identity
	peers   *peer.Container
	policy  Policy
	conn    PacketWriter
	base    BaseLink
	timers  Timers
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	baseConnected bool
	local         map[netip.AddrPort]localCandidate
}

func New(opts Options) (*Socket, error) {
	if opts.Peers == nil {
		return nil, ErrMissingPeers
	}
	if opts.Policy == nil {
		return nil, ErrMissingPolicy
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Socket{
		self:    opts.Identity,
		peers:   opts.Peers,
		policy:  opts.Policy,
		conn:    opts.Conn,
		base:    opts.Base,
		timers:  opts.Timers.withDefaults(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named(layerName),
		local:   make(map[netip.AddrPort]localCandidate),
	}, nil
}

// SetConn and SetBase attach the I/O side once it exists.
func (s *Socket) SetConn(c PacketWriter) { s.conn = c }
func (s *Socket) SetBase(b BaseLink)     { s.base = b }

// HandleFromUpper sends a complete peer packet to f.Peer.
func (s *Socket) HandleFromUpper(f layer.Frame) {
	if !s.policy.IsPeerAllowed(f.Peer) {
		s.metrics.Drop(layerName, metrics.ReasonUntrusted)
		return
	}
	now := s.clock.Now()
	p := s.peers.GetOrCreate(f.Peer)
	first := p.Path.LastOutbound.IsZero() || now.Sub(p.Path.LastOutbound) > s.timers.ActiveWindow
	p.Path.LastOutbound = now
	if first && s.baseConnected {
		// Start discovery right away instead of waiting for a tick.
		s.requestPeerInfo([]identity.DeviceID{p.ID})
		p.Path.LastPeerInfo = now
	}
	s.send(p, f.Data)
}

// send delivers over the confirmed direct path, or through the relay when
// there is none. The relay is kept until a direct path answers.
func (s *Socket) send(p *peer.Peer, packet []byte) {
	if p.Path.Direct() && s.conn != nil {
		if err := s.conn.WriteTo(packet, p.Path.Preferred); err == nil {
			s.metrics.SentVia("direct")
			return
		}
		s.logger.Debug("direct write failed, using relay", zap.Stringer("peer", p.ID))
	}
	if s.relay(p.ID, packet) {
		s.metrics.SentVia("relay")
		return
	}
	s.metrics.Drop(layerName, metrics.ReasonNoConnection)
}

func (s *Socket) relay(id identity.DeviceID, packet []byte) bool {
	if !s.baseConnected || s.base == nil {
		return false
	}
	r := protocol.Relay{Peer: id, Packet: packet}
	return s.base.Send(protocol.Frame{Type: protocol.MessageTypeRelay, Payload: r.Marshal()})
}

// HandlePacket processes a datagram read from the UDP socket.
func (s *Socket) HandlePacket(packet []byte, from netip.AddrPort) {
	s.handle(packet, from, identity.DeviceID{})
}

// HandleRelayed processes a packet the base server relayed from source.
func (s *Socket) HandleRelayed(source identity.DeviceID, packet []byte) {
	s.handle(packet, netip.AddrPort{}, source)
}

func (s *Socket) handle(packet []byte, from netip.AddrPort, relayedFrom identity.DeviceID) {
	h, body, err := protocol.ParseHeader(packet)
	if err != nil {
		s.metrics.Drop(layerName, metrics.ReasonMalformed)
		s.logger.Debug("malformed packet", zap.Stringer("from", from), zap.Error(err))
		return
	}
	relayed := !from.IsValid()
	if relayed && h.Sender != relayedFrom {
		s.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	if h.Sender == s.self.ID || h.Sender.IsReserved() || !s.policy.IsPeerAllowed(h.Sender) {
		s.metrics.Drop(layerName, metrics.ReasonUntrusted)
		return
	}
	now := s.clock.Now()

	switch h.Type {
	case protocol.MessageTypePing:
		s.handlePing(h, body, from)
	case protocol.MessageTypePong:
		if !relayed {
			s.handlePong(h, body, from, now)
		}
	case protocol.MessageTypeAddressAdvertisement:
		// Advertisements are unsigned; only the base server vouches for
		// the sender.
		if !relayed {
			s.metrics.Drop(layerName, metrics.ReasonUntrusted)
			return
		}
		s.handleAdvertisement(h, body, now)
	default:
		// Only signed pongs keep a direct path alive; data is not
		// authenticated at this layer.
		s.SendUp(layer.Frame{Peer: h.Sender, Data: packet})
	}
}

func (s *Socket) handlePing(h protocol.Header, body []byte, from netip.AddrPort) {
	ping, err := protocol.UnmarshalPing(body)
	if err != nil || ping.Target != s.self.ID {
		s.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	pong := protocol.Pong{Nonce: ping.Nonce, Observed: from, Target: h.Sender}
	pong.Sign(s.self.KeyPair)
	reply := protocol.NewPacket(protocol.MessageTypePong, s.self.ID, pong.Marshal())

	if from.IsValid() {
		p := s.peers.GetOrCreate(h.Sender)
		s.addCandidate(p, from, peer.SourceObserved, s.clock.Now())
		if s.conn != nil {
			_ = s.conn.WriteTo(reply, from)
		}
		return
	}
	s.relay(h.Sender, reply)
}

func (s *Socket) handlePong(h protocol.Header, body []byte, from netip.AddrPort, now time.Time) {
	pong, err := protocol.UnmarshalPong(body)
	if err != nil {
		s.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	if pong.Target != s.self.ID || pong.Verify(h.Sender) != nil {
		s.metrics.Drop(layerName, metrics.ReasonAuth)
		return
	}
	p, ok := s.peers.Get(h.Sender)
	if !ok {
		return
	}
	c := p.Path.Candidate(from)
	if c == nil || c.Nonce == 0 || c.Nonce != pong.Nonce {
		s.metrics.Drop(layerName, metrics.ReasonStale)
		return
	}
	c.Nonce = 0
	c.LastReply = now
	c.RTT = now.Sub(c.LastProbe)
	p.LastContact = now

	if pong.Observed.IsValid() {
		s.AddLocalCandidate(pong.Observed, peer.SourceObserved)
	}

	if p.Path.Direct() && p.Path.Preferred != from {
		return
	}
	p.Path.LastDirectReply = now
	if !p.Path.Direct() {
		p.Path.Preferred = from
		p.Path.Type = peer.ConnectionDirect
		s.peers.IndexAddress(p.ID, from)
		s.logger.Info("direct path confirmed",
			zap.Stringer("peer", p.ID),
			zap.Stringer("addr", from),
			zap.Duration("rtt", c.RTT))
	}
}

func (s *Socket) handleAdvertisement(h protocol.Header, body []byte, now time.Time) {
	adv, err := protocol.UnmarshalAddressAdvertisement(body)
	if err != nil {
		s.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	p := s.peers.GetOrCreate(h.Sender)
	for _, addr := range adv.Addrs {
		s.addCandidate(p, addr, peer.SourceAdvertised, now)
	}
}

// HandlePeerList records addresses the base server knows for peers.
func (s *Socket) HandlePeerList(entries []protocol.PeerEntry) {
	now := s.clock.Now()
	for _, e := range entries {
		if e.DeviceID == s.self.ID || !s.policy.IsPeerAllowed(e.DeviceID) {
			continue
		}
		p := s.peers.GetOrCreate(e.DeviceID)
		for _, addr := range e.Addresses {
			s.addCandidate(p, addr, peer.SourceBase, now)
		}
	}
}

// AddPeerCandidate records an address learned out of band, such as from
// LAN discovery, for a known peer.
func (s *Socket) AddPeerCandidate(id identity.DeviceID, addr netip.AddrPort, src peer.Source) {
	p, ok := s.peers.Get(id)
	if !ok || !s.policy.IsPeerAllowed(id) {
		return
	}
	s.addCandidate(p, addr, src, s.clock.Now())
}

func (s *Socket) addCandidate(p *peer.Peer, addr netip.AddrPort, src peer.Source, now time.Time) {
	if !usableAddr(addr) {
		return
	}
	evicted, added := p.Path.AddCandidate(addr, src, now)
	if evicted.IsValid() {
		s.peers.UnindexAddress(p.ID, evicted)
	}
	if added {
		s.peers.IndexAddress(p.ID, addr)
		s.logger.Debug("candidate added", zap.Stringer("peer", p.ID), zap.Stringer("addr", addr), zap.Stringer("source", src))
	}
}

func usableAddr(addr netip.AddrPort) bool {
	a := addr.Addr()
	return addr.IsValid() && addr.Port() != 0 && !a.IsUnspecified() && !a.IsMulticast() && !identity.Prefix.Contains(a)
}

// AddLocalCandidate records an address this device may be reachable at.
func (s *Socket) AddLocalCandidate(addr netip.AddrPort, src peer.Source) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if !usableAddr(addr) {
		return
	}
	if _, ok := s.local[addr]; ok {
		return
	}
	if len(s.local) >= MaxLocalCandidates {
		var oldest netip.AddrPort
		var oldestAt time.Time
		for a, c := range s.local {
			if !oldest.IsValid() || c.added.Before(oldestAt) {
				oldest, oldestAt = a, c.added
			}
		}
		delete(s.local, oldest)
	}
	s.local[addr] = localCandidate{source: src, added: s.clock.Now()}
	s.logger.Debug("local candidate", zap.Stringer("addr", addr), zap.Stringer("source", src))
}

// SetInterfaceAddresses replaces the local candidates taken from network
// interfaces.
func (s *Socket) SetInterfaceAddresses(addrs []netip.AddrPort) {
	for a, c := range s.local {
		if c.source == peer.SourceLocal {
			delete(s.local, a)
		}
	}
	for _, a := range addrs {
		s.AddLocalCandidate(a, peer.SourceLocal)
	}
}

// LocalCandidates returns the addresses advertised for this device in a
// stable order.
func (s *Socket) LocalCandidates() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.local))
	for a := range s.local {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// InterestedPeers lists peers with recent outbound traffic.
func (s *Socket) InterestedPeers() []identity.DeviceID {
	now := s.clock.Now()
	var out []identity.DeviceID
	s.peers.ForEach(func(p *peer.Peer) bool {
		if s.active(p, now) {
			out = append(out, p.ID)
		}
		return true
	})
	return out
}

// SetBaseConnected records the state of the base channel.
func (s *Socket) SetBaseConnected(connected bool, observed netip.AddrPort) {
	if connected != s.baseConnected {
		s.logger.Info("base channel", zap.Bool("connected", connected), zap.Stringer("observed", observed))
	}
	s.baseConnected = connected
	if connected && observed.IsValid() {
		s.AddLocalCandidate(observed, peer.SourceBase)
	}
	s.peers.ForEach(func(p *peer.Peer) bool {
		s.updateType(p)
		return true
	})
}

func (s *Socket) IsConnectedToBase() bool { return s.baseConnected }

// ConnectionType reports the confirmed way traffic reaches id.
func (s *Socket) ConnectionType(id identity.DeviceID) peer.ConnectionType {
	p, ok := s.peers.Get(id)
	if !ok {
		if s.baseConnected {
			return peer.ConnectionRelay
		}
		return peer.ConnectionNone
	}
	return p.Path.Type
}

func (s *Socket) updateType(p *peer.Peer) {
	if p.Path.Direct() {
		return
	}
	if s.baseConnected {
		p.Path.Type = peer.ConnectionRelay
	} else {
		p.Path.Type = peer.ConnectionNone
	}
}

func (s *Socket) active(p *peer.Peer, now time.Time) bool {
	return !p.Path.LastOutbound.IsZero() && now.Sub(p.Path.LastOutbound) <= s.timers.ActiveWindow
}

// Tick drives probing, staleness detection and peer info refresh.
func (s *Socket) Tick(now time.Time) {
	var refresh []identity.DeviceID
	s.peers.ForEach(func(p *peer.Peer) bool {
		if p.Path.Direct() && now.Sub(p.Path.LastDirectReply) > s.timers.StaleAfter {
			s.logger.Info("direct path stale", zap.Stringer("peer", p.ID), zap.Stringer("addr", p.Path.Preferred))
			p.Path.Preferred = netip.AddrPort{}
			p.Path.Type = peer.ConnectionNone
		}
		s.updateType(p)

		if !s.active(p, now) || !s.policy.IsPeerAllowed(p.ID) {
			return true
		}
		if now.Sub(p.Path.LastPeerInfo) >= s.timers.PeerInfoInterval {
			refresh = append(refresh, p.ID)
			p.Path.LastPeerInfo = now
		}
		if s.baseConnected && now.Sub(p.Path.LastAdvertise) >= s.timers.AdvertiseEvery {
			s.advertise(p, now)
		}
		s.probe(p, now)
		return true
	})
	if len(refresh) > 0 && s.baseConnected {
		s.requestPeerInfo(refresh)
	}
}

// probe pings every candidate while no direct path is confirmed, and only
// the preferred address afterwards to keep it alive.
func (s *Socket) probe(p *peer.Peer, now time.Time) {
	if s.conn == nil {
		return
	}
	for addr, c := range p.Path.Candidates {
		if p.Path.Direct() && addr != p.Path.Preferred {
			continue
		}
		if now.Sub(c.LastProbe) < s.timers.ProbeInterval {
			continue
		}
		var n [8]byte
		if _, err := rand.Read(n[:]); err != nil {
			return
		}
		c.Nonce = binary.BigEndian.Uint64(n[:]) | 1
		c.LastProbe = now
		ping := protocol.Ping{Nonce: c.Nonce, Target: p.ID}
		if err := s.conn.WriteTo(protocol.NewPacket(protocol.MessageTypePing, s.self.ID, ping.Marshal()), addr); err != nil {
			s.logger.Debug("probe failed", zap.Stringer("addr", addr), zap.Error(err))
		}
	}
}

func (s *Socket) advertise(p *peer.Peer, now time.Time) {
	addrs := s.LocalCandidates()
	if len(addrs) == 0 {
		return
	}
	adv := protocol.AddressAdvertisement{Addrs: addrs}
	if s.relay(p.ID, protocol.NewPacket(protocol.MessageTypeAddressAdvertisement, s.self.ID, adv.Marshal())) {
		p.Path.LastAdvertise = now
	}
}

func (s *Socket) requestPeerInfo(ids []identity.DeviceID) {
	if s.base == nil {
		return
	}
	payload, err := protocol.EncodeJSON(protocol.PeerInfoRequest{Peers: ids})
	if err != nil {
		return
	}
	s.base.Send(protocol.Frame{Type: protocol.MessageTypePeerInfoRequest, Payload: payload})
}
