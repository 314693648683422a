package security

import (
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/crypto"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

// startHandshake creates a fresh ephemeral key and sends the first init.
// A rekey keeps the current session usable while it runs.
func (l *Layer) startHandshake(p *peer.Peer, rekey bool, now time.Time) {
	eph, err := crypto.GenerateX25519()
	if err != nil {
		l.logger.Warn("ephemeral key generation failed", zap.Error(err))
		if !rekey {
			l.dropQueue(p, metrics.ReasonNoSession)
		}
		return
	}
	s := &p.Session
	s.ClearHandshake()
	s.Ephemeral = &eph
	s.Rekeying = rekey
	if !rekey {
		s.State = peer.StateRequested
		l.pending.Add(p.ID, struct{}{})
	}
	l.sendInit(p, now)
}

func (l *Layer) sendInit(p *peer.Peer, now time.Time) {
	s := &p.Session
	t := protocol.MessageTypeHandshakeInit
	if s.Rekeying {
		t = protocol.MessageTypeRekey
	}
	h := protocol.Handshake{
		Type:        t,
		Ephemeral:   s.Ephemeral.PublicKey,
		TimestampMs: now.UnixMilli(),
		Target:      p.ID,
	}
	h.Sign(l.self.KeyPair)

	s.Attempts++
	backoff := l.timers.HandshakeRetry << (s.Attempts - 1)
	if backoff <= 0 || backoff > l.timers.MaxHandshakeRetry {
		backoff = l.timers.MaxHandshakeRetry
	}
	s.NextRetry = now.Add(backoff)

	l.logger.Debug("handshake sent", zap.Stringer("peer", p.ID), zap.Stringer("type", t), zap.Int("attempt", s.Attempts))
	l.send(p.ID, protocol.NewPacket(t, l.self.ID, h.Marshal()))
}

// abortHandshake gives up on the handshake in flight. A failed initial
// handshake drops the queued frames; a failed rekey leaves the current
// session to age out.
func (l *Layer) abortHandshake(p *peer.Peer, reason string) {
	s := &p.Session
	rekey := s.Rekeying
	s.ClearHandshake()
	if rekey {
		return
	}
	l.dropQueue(p, reason)
	if s.State == peer.StateRequested {
		s.State = peer.StateNoSession
	}
	l.metrics.Session("handshake_failed")
}

func (l *Layer) verifyHandshake(h protocol.Header, body []byte, now time.Time) (protocol.Handshake, bool) {
	hs, err := protocol.UnmarshalHandshake(h.Type, body)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
		return protocol.Handshake{}, false
	}
	if err := hs.Verify(h.Sender); err != nil || hs.Target != l.self.ID {
		l.metrics.Drop(layerName, metrics.ReasonAuth)
		l.logger.Debug("handshake rejected", zap.Stringer("peer", h.Sender), zap.Error(err))
		return protocol.Handshake{}, false
	}
	skew := now.Sub(time.UnixMilli(hs.TimestampMs))
	if skew > l.timers.Freshness || skew < -l.timers.Freshness {
		l.metrics.Drop(layerName, metrics.ReasonStale)
		return protocol.Handshake{}, false
	}
	return hs, true
}

func (l *Layer) handleInit(h protocol.Header, body []byte, now time.Time) {
	hs, ok := l.verifyHandshake(h, body, now)
	if !ok {
		return
	}
	p := l.peers.GetOrCreate(h.Sender)
	s := &p.Session

	if l.seen.Contains(hs.Ephemeral) {
		if s.LastReply != nil && s.LastInitEphemeral == hs.Ephemeral {
			l.send(p.ID, s.LastReply)
			return
		}
		l.metrics.Drop(layerName, metrics.ReasonReplay)
		return
	}

	// Both sides initiated: the higher id keeps its own handshake and
	// ignores the other; the lower id answers.
	if s.Ephemeral != nil && !l.self.ID.Less(p.ID) {
		l.logger.Debug("ignoring crossed handshake", zap.Stringer("peer", p.ID))
		return
	}

	eph, err := crypto.GenerateX25519()
	if err != nil {
		l.logger.Warn("ephemeral key generation failed", zap.Error(err))
		return
	}
	defer eph.Wipe()
	keys, err := crypto.NewSessionKeys(eph, hs.Ephemeral, false)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonAuth)
		return
	}

	reply := protocol.Handshake{
		Type:        protocol.MessageTypeHandshakeReply,
		Ephemeral:   eph.PublicKey,
		TimestampMs: now.UnixMilli(),
		Target:      p.ID,
		Echo:        hs.Ephemeral,
	}
	reply.Sign(l.self.KeyPair)
	packet := protocol.NewPacket(protocol.MessageTypeHandshakeReply, l.self.ID, reply.Marshal())

	l.seen.Add(hs.Ephemeral, struct{}{})
	if h.Type == protocol.MessageTypeRekey && s.Established() {
		l.stage(p, keys)
	} else {
		l.install(p, keys, false, false, now)
	}
	s.LastInitEphemeral = hs.Ephemeral
	s.LastReply = packet

	l.send(p.ID, packet)
	l.flushQueue(p, now)
}

// stage holds the responder's half of a rekey. The reply may be lost, so
// outbound traffic keeps using the current keys until the initiator proves
// it has the new ones.
func (l *Layer) stage(p *peer.Peer, keys *crypto.SessionKeys) {
	s := &p.Session
	s.DropNext()
	s.Next = keys
	l.logger.Debug("rekey staged", zap.Stringer("peer", p.ID))
}

// confirmNext promotes staged keys after the first packet sealed with them.
func (l *Layer) confirmNext(p *peer.Peer, now time.Time) {
	s := &p.Session
	keys, window := s.Next, s.NextReplay
	s.Next = nil
	s.NextReplay.Reset()
	l.install(p, keys, false, true, now)
	s.Replay = window
}

func (l *Layer) handleReply(h protocol.Header, body []byte, now time.Time) {
	hs, ok := l.verifyHandshake(h, body, now)
	if !ok {
		return
	}
	p, found := l.peers.Get(h.Sender)
	if !found || p.Session.Ephemeral == nil || p.Session.Ephemeral.PublicKey != hs.Echo {
		l.metrics.Drop(layerName, metrics.ReasonStale)
		return
	}
	s := &p.Session
	keys, err := crypto.NewSessionKeys(*s.Ephemeral, hs.Ephemeral, true)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonAuth)
		return
	}
	rekey := s.Rekeying
	l.install(p, keys, true, rekey, now)
	s.LastReply = nil
	s.LastInitEphemeral = [32]byte{}
	if rekey && len(s.Queue) == 0 {
		// The responder switches keys on the first packet it can open
		// with them.
		l.sendLatencyProbe(p, now)
	}
	l.flushQueue(p, now)
}

// install activates new session keys. On a rekey the old keys stay valid
// for inbound traffic during the grace period.
func (l *Layer) install(p *peer.Peer, keys *crypto.SessionKeys, initiator, rekey bool, now time.Time) {
	s := &p.Session
	s.DropPrevious()
	s.DropNext()
	if rekey && s.Keys != nil {
		s.Previous = s.Keys
		s.PreviousReplay = s.Replay
		s.PreviousUntil = now.Add(l.timers.PreviousKeyGrace)
	} else {
		s.Keys.Wipe()
	}
	s.ClearHandshake()
	s.Keys = keys
	s.SendSeq = 0
	s.Replay.Reset()
	s.State = peer.StateEstablished
	s.Initiator = initiator
	s.EstablishedAt = now
	s.LastRecv = now
	s.RekeySent = false
	if s.NextProbe.IsZero() || rekey {
		s.NextProbe = now
	}
	p.LastContact = now
	l.pending.Remove(p.ID)

	event := "established"
	if rekey {
		event = "rekeyed"
	}
	l.metrics.Session(event)
	l.logger.Info("session "+event, zap.Stringer("peer", p.ID), zap.Bool("initiator", initiator))
}

// expire discards the keys of an established session. The state stays
// StateExpired until traffic needs the session again.
func (l *Layer) expire(p *peer.Peer, why string) {
	s := &p.Session
	s.Keys.Wipe()
	s.Keys = nil
	s.DropPrevious()
	s.DropNext()
	s.ClearHandshake()
	s.Replay.Reset()
	s.SendSeq = 0
	s.LastReply = nil
	s.LastInitEphemeral = [32]byte{}
	s.State = peer.StateExpired
	p.Latency = peer.LatencyUnknown
	l.metrics.Session("expired")
	l.logger.Info("session expired", zap.Stringer("peer", p.ID), zap.String("reason", why))
}

func (l *Layer) checkExpiry(p *peer.Peer, now time.Time) bool {
	s := &p.Session
	if s.State != peer.StateEstablished {
		return false
	}
	switch {
	case now.Sub(s.EstablishedAt) >= l.timers.SessionMaxAge:
		l.expire(p, "max age")
	case now.Sub(s.LastRecv) >= l.timers.IdleTimeout:
		l.expire(p, "idle")
	default:
		return false
	}
	return true
}
