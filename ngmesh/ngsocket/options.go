package ngsocket

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

// Policy decides whether a peer may exchange traffic.
type Policy interface {
	IsPeerAllowed(identity.DeviceID) bool
}

// PacketWriter sends a datagram on the shared UDP socket.
type PacketWriter interface {
	WriteTo(b []byte, addr netip.AddrPort) error
}

// BaseLink queues frames for the base server. Send must not block; it
// reports false when the frame could not be queued.
type BaseLink interface {
	Send(protocol.Frame) bool
}

// Timers tunes path discovery.
type Timers struct {
	// ActiveWindow is how long after the last outbound frame a peer keeps
	// being probed.
	ActiveWindow     time.Duration
	ProbeInterval    time.Duration
	StaleAfter       time.Duration
	PeerInfoInterval time.Duration
	AdvertiseEvery   time.Duration
}

func DefaultTimers() Timers {
	return Timers{
		ActiveWindow:     2 * time.Minute,
		ProbeInterval:    2 * time.Second,
		StaleAfter:       15 * time.Second,
		PeerInfoInterval: 30 * time.Second,
		AdvertiseEvery:   30 * time.Second,
	}
}

func (t Timers) withDefaults() Timers {
	d := DefaultTimers()
	if t.ActiveWindow <= 0 {
		t.ActiveWindow = d.ActiveWindow
	}
	if t.ProbeInterval <= 0 {
		t.ProbeInterval = d.ProbeInterval
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.PeerInfoInterval <= 0 {
		t.PeerInfoInterval = d.PeerInfoInterval
	}
	if t.AdvertiseEvery <= 0 {
		t.AdvertiseEvery = d.AdvertiseEvery
	}
	return t
}

type Options struct {
	Identity identity.Identity
	Peers    *peer.Container
	Policy   Policy
	Conn     PacketWriter
	Base     BaseLink
	Timers   Timers

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}
