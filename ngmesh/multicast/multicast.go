// Package multicast fans frames sent to the mesh multicast address out to
// every eligible peer.
package multicast

import (
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

// Destinations supplies the trusted peers eligible for multicast and the
// per-peer trust check.
type Destinations interface {
	MulticastDestinations() []identity.DeviceID
	IsPeerAllowed(identity.DeviceID) bool
}

type Layer struct {
	layer.Base
	self   identity.DeviceID
	dests  Destinations
	peers  *peer.Container
	logger *zap.Logger
}

// New builds the fan-out layer. peers may be nil; when set, known peers
// without identity.FlagMulticast are skipped.
func New(self identity.DeviceID, dests Destinations, peers *peer.Container, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{self: self, dests: dests, peers: peers, logger: logger.Named("multicast")}
}

func (l *Layer) eligible(id identity.DeviceID) bool {
	if id == l.self || id.IsReserved() || !l.dests.IsPeerAllowed(id) {
		return false
	}
	if l.peers == nil {
		return true
	}
	p, ok := l.peers.Get(id)
	return !ok || p.Flags.Has(identity.FlagMulticast)
}

func (l *Layer) HandleFromUpper(f layer.Frame) {
	if f.Peer != identity.MulticastDeviceID {
		l.SendDown(f)
		return
	}
	seen := make(map[identity.DeviceID]struct{})
	for _, id := range l.dests.MulticastDestinations() {
		if !l.eligible(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		// Each lower layer may keep or rewrite its copy.
		l.SendDown(layer.Frame{Peer: id, Data: append([]byte(nil), f.Data...)})
	}
	l.logger.Debug("multicast fan-out", zap.Int("destinations", len(seen)))
}
