package peer

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// Container maps DeviceIDs to peers and candidate addresses back to the peer
// they belong to.
type Container struct {
	peers  map[identity.DeviceID]*Peer
	byAddr map[netip.AddrPort]identity.DeviceID
	logger *zap.Logger

	// OnCreate, when set, is called for each new peer.
	OnCreate func(*Peer)
}

func NewContainer(logger *zap.Logger) *Container {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		peers:  make(map[identity.DeviceID]*Peer),
		byAddr: make(map[netip.AddrPort]identity.DeviceID),
		logger: logger.Named("peers"),
	}
}

// GetOrCreate returns the peer for id, creating it on first use.
func (c *Container) GetOrCreate(id identity.DeviceID) *Peer {
	if p, ok := c.peers[id]; ok {
		return p
	}
	p := newPeer(id)
	c.peers[id] = p
	c.logger.Info("peer created", zap.Stringer("peer", id))
	if c.OnCreate != nil {
		c.OnCreate(p)
	}
	return p
}

func (c *Container) Get(id identity.DeviceID) (*Peer, bool) {
	p, ok := c.peers[id]
	return p, ok
}

// GetByAddress finds the peer owning a candidate address.
func (c *Container) GetByAddress(addr netip.AddrPort) (*Peer, bool) {
	id, ok := c.byAddr[normalize(addr)]
	if !ok {
		return nil, false
	}
	return c.Get(id)
}

// IndexAddress points addr at the peer id. The peer must exist. An address
// moves to the most recent peer claiming it.
func (c *Container) IndexAddress(id identity.DeviceID, addr netip.AddrPort) bool {
	if _, ok := c.peers[id]; !ok {
		return false
	}
	c.byAddr[normalize(addr)] = id
	return true
}

// UnindexAddress removes addr if it still points at id.
func (c *Container) UnindexAddress(id identity.DeviceID, addr netip.AddrPort) {
	addr = normalize(addr)
	if cur, ok := c.byAddr[addr]; ok && cur == id {
		delete(c.byAddr, addr)
	}
}

// Remove evicts the peer, wipes its key material and drops every reverse
// index entry pointing at it.
func (c *Container) Remove(id identity.DeviceID) bool {
	p, ok := c.peers[id]
	if !ok {
		return false
	}
	p.Session.Wipe()
	for addr, owner := range c.byAddr {
		if owner == id {
			delete(c.byAddr, addr)
		}
	}
	delete(c.peers, id)
	c.logger.Info("peer removed", zap.Stringer("peer", id))
	return true
}

// ForEach calls fn for every peer until fn returns false. fn must not add or
// remove peers.
func (c *Container) ForEach(fn func(*Peer) bool) {
	for _, p := range c.peers {
		if !fn(p) {
			return
		}
	}
}

func (c *Container) Len() int { return len(c.peers) }

func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
