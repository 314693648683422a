package ngmesh

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

// PeerStatus is a snapshot of one peer for status output.
type PeerStatus struct {
	ID          identity.DeviceID
	State       peer.State
	Connection  peer.ConnectionType
	Latency     time.Duration
	LastContact time.Time

	// Direct is the confirmed direct address, invalid when relayed.
	Direct     netip.AddrPort
	Candidates int
}

// Latency reports the last measured round trip to id, or
// peer.LatencyUnknown before the first probe answers.
func (m *Manager) Latency(ctx context.Context, id identity.DeviceID) (time.Duration, error) {
	lat := peer.LatencyUnknown
	err := m.loop.Call(ctx, func() { lat = m.security.Latency(id) })
	return lat, err
}

func (m *Manager) ConnectionType(ctx context.Context, id identity.DeviceID) (peer.ConnectionType, error) {
	var ct peer.ConnectionType
	err := m.loop.Call(ctx, func() { ct = m.socket.ConnectionType(id) })
	return ct, err
}

func (m *Manager) SessionState(ctx context.Context, id identity.DeviceID) (peer.State, error) {
	var st peer.State
	err := m.loop.Call(ctx, func() { st = m.security.State(id) })
	return st, err
}

func (m *Manager) IsConnectedToBase(ctx context.Context) (bool, error) {
	var ok bool
	err := m.loop.Call(ctx, func() { ok = m.socket.IsConnectedToBase() })
	return ok, err
}

// Peers lists every known peer ordered by address.
func (m *Manager) Peers(ctx context.Context) ([]PeerStatus, error) {
	var out []PeerStatus
	err := m.loop.Call(ctx, func() {
		m.peers.ForEach(func(p *peer.Peer) bool {
			st := PeerStatus{
				ID:          p.ID,
				State:       p.Session.State,
				Connection:  p.Path.Type,
				Latency:     p.Latency,
				LastContact: p.LastContact,
				Candidates:  len(p.Path.Candidates),
			}
			if p.Path.Direct() {
				st.Direct = p.Path.Preferred
			}
			out = append(out, st)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}
