package peer

import (
	"net/netip"
	"time"
)

// ConnectionType is the confirmed way traffic reaches a peer.
type ConnectionType uint8

const (
	ConnectionNone ConnectionType = iota
	ConnectionRelay
	ConnectionDirect
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionRelay:
		return "relay"
	case ConnectionDirect:
		return "direct"
	default:
		return "none"
	}
}

// Source records where a candidate address was learned.
type Source uint8

const (
	SourceBase Source = iota + 1
	SourceAdvertised
	SourceObserved
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceBase:
		return "base"
	case SourceAdvertised:
		return "advertised"
	case SourceObserved:
		return "observed"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// MaxCandidates bounds the candidate set of one peer.
const MaxCandidates = 16

// Candidate is one address a peer might be reachable at.
type Candidate struct {
	Addr      netip.AddrPort
	Source    Source
	AddedAt   time.Time
	LastProbe time.Time
	LastReply time.Time
	RTT       time.Duration

	// Nonce of the outstanding probe, zero when none.
	Nonce uint64
}

// Path is the per-peer data driven by the transport.
type Path struct {
	Candidates map[netip.AddrPort]*Candidate

	// Preferred is the confirmed direct address, valid only when Type is
	// ConnectionDirect.
	Preferred netip.AddrPort
	Type      ConnectionType

	LastOutbound    time.Time
	LastDirectReply time.Time
	LastPeerInfo    time.Time
	LastAdvertise   time.Time
}

// AddCandidate records addr and returns true when it was not known yet. When
// the set is full the oldest evictable candidate makes room. Observed
// addresses come from unauthenticated pings, so they only ever displace
// other observed addresses.
func (p *Path) AddCandidate(addr netip.AddrPort, src Source, now time.Time) (evicted netip.AddrPort, added bool) {
	if !addr.IsValid() {
		return netip.AddrPort{}, false
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if p.Candidates == nil {
		p.Candidates = make(map[netip.AddrPort]*Candidate)
	}
	if c, ok := p.Candidates[addr]; ok {
		if src < c.Source {
			c.Source = src
		}
		return netip.AddrPort{}, false
	}
	if len(p.Candidates) >= MaxCandidates {
		victim := p.victim(src == SourceObserved)
		if victim == nil {
			return netip.AddrPort{}, false
		}
		delete(p.Candidates, victim.Addr)
		evicted = victim.Addr
	}
	p.Candidates[addr] = &Candidate{Addr: addr, Source: src, AddedAt: now}
	return evicted, true
}

// victim picks the oldest observed candidate, falling back to the oldest of
// any source unless observedOnly is set. The confirmed direct address is
// never chosen.
func (p *Path) victim(observedOnly bool) *Candidate {
	var oldest, oldestObserved *Candidate
	for _, c := range p.Candidates {
		if c.Addr == p.Preferred && p.Type == ConnectionDirect {
			continue
		}
		if c.Source == SourceObserved && (oldestObserved == nil || c.AddedAt.Before(oldestObserved.AddedAt)) {
			oldestObserved = c
		}
		if oldest == nil || c.AddedAt.Before(oldest.AddedAt) {
			oldest = c
		}
	}
	if oldestObserved != nil || observedOnly {
		return oldestObserved
	}
	return oldest
}

// Candidate returns the candidate for addr or nil.
func (p *Path) Candidate(addr netip.AddrPort) *Candidate {
	if p.Candidates == nil {
		return nil
	}
	return p.Candidates[addr]
}

// Direct reports whether a direct address is confirmed.
func (p *Path) Direct() bool {
	return p.Type == ConnectionDirect && p.Preferred.IsValid()
}
