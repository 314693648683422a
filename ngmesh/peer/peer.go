package peer

import (
	"net/netip"
	"time"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// LatencyUnknown is reported until a latency probe completes.
const LatencyUnknown time.Duration = -1

// Peer is one remote device.
type Peer struct {
	ID    identity.DeviceID
	Addr  netip.Addr
	Flags identity.Flags

	Session Session
	Path    Path

	LastContact time.Time
	Latency     time.Duration
}

func newPeer(id identity.DeviceID) *Peer {
	return &Peer{
		ID:      id,
		Addr:    id.Addr(),
		Flags:   identity.DefaultFlags,
		Latency: LatencyUnknown,
	}
}
