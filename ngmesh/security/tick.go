package security

import (
	"time"

	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

// Tick runs retries, expiry, rekeying and latency probes. The event loop
// calls it once per second.
func (l *Layer) Tick(now time.Time) {
	l.peers.ForEach(func(p *peer.Peer) bool {
		l.tickPeer(p, now)
		return true
	})
}

func (l *Layer) tickPeer(p *peer.Peer, now time.Time) {
	s := &p.Session

	if s.Previous != nil && !now.Before(s.PreviousUntil) {
		s.DropPrevious()
	}

	if s.State == peer.StateEstablished && !l.policy.IsPeerAllowed(p.ID) {
		l.expire(p, "no longer trusted")
		return
	}

	if s.Ephemeral != nil && !now.Before(s.NextRetry) {
		if s.Attempts >= l.timers.HandshakeAttempts {
			l.abortHandshake(p, metrics.ReasonNoSession)
			if s.State == peer.StateNoSession {
				l.pending.Remove(p.ID)
			}
		} else {
			l.sendInit(p, now)
		}
	}

	if l.checkExpiry(p, now) || s.State != peer.StateEstablished {
		return
	}

	if s.Initiator && !s.RekeySent && s.Ephemeral == nil && now.Sub(s.EstablishedAt) >= l.timers.RekeyAfter {
		s.RekeySent = true
		l.startHandshake(p, true, now)
	}

	if !now.Before(s.NextProbe) {
		l.sendLatencyProbe(p, now)
	}
}
