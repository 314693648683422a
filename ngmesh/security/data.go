package security

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/replay"

	"github.com/TheusHen/ngmesh/ngmesh/crypto"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

// First plaintext byte of a data packet.
const (
	kindPayload byte = iota
	kindLatencyPing
	kindLatencyPong
)

const (
	seqSize = 8
	// RejectAfterMessages is the last usable sequence number of a session.
	RejectAfterMessages = 1 << 60
)

// sendData seals one inner message for an established session.
func (l *Layer) sendData(p *peer.Peer, kind byte, payload []byte, now time.Time) {
	s := &p.Session
	if !s.Established() {
		l.metrics.Drop(layerName, metrics.ReasonNoSession)
		return
	}
	if s.SendSeq+1 >= RejectAfterMessages {
		l.expire(p, "sequence exhausted")
		l.metrics.Drop(layerName, metrics.ReasonNoSession)
		return
	}
	s.SendSeq++
	seq := s.SendSeq

	packet := make([]byte, 0, protocol.HeaderSize+seqSize+1+len(payload)+s.Keys.Send.Overhead())
	packet = protocol.AppendHeader(packet, protocol.MessageTypeData, l.self.ID)
	packet = binary.BigEndian.AppendUint64(packet, seq)
	ad := append([]byte(nil), packet...)

	plaintext := make([]byte, 0, 1+len(payload))
	plaintext = append(plaintext, kind)
	plaintext = append(plaintext, payload...)

	packet, err := s.Keys.Send.Seal(packet, seq, plaintext, ad)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonNoSession)
		return
	}
	s.LastSend = now
	l.send(p.ID, packet)
}

func (l *Layer) handleData(h protocol.Header, packet, body []byte, now time.Time) {
	p := l.peers.GetOrCreate(h.Sender)
	s := &p.Session
	l.checkExpiry(p, now)

	if !s.Established() {
		l.metrics.Drop(layerName, metrics.ReasonNoSession)
		// The peer believes a session exists; set up a new one.
		if s.State == peer.StateNoSession || s.State == peer.StateExpired {
			l.startHandshake(p, false, now)
		}
		return
	}
	if len(body) < seqSize {
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	seq := binary.BigEndian.Uint64(body[:seqSize])
	ad := packet[:protocol.HeaderSize+seqSize]
	ciphertext := body[seqSize:]

	plaintext, reason := open(s.Keys, &s.Replay, seq, ciphertext, ad)
	if reason == metrics.ReasonAuth && s.Next != nil {
		if pt, r := open(s.Next, &s.NextReplay, seq, ciphertext, ad); r == "" {
			l.confirmNext(p, now)
			plaintext, reason = pt, r
		}
	}
	if reason == metrics.ReasonAuth && s.Previous != nil && now.Before(s.PreviousUntil) {
		plaintext, reason = open(s.Previous, &s.PreviousReplay, seq, ciphertext, ad)
	}
	if reason != "" {
		l.metrics.Drop(layerName, reason)
		return
	}
	s.LastRecv = now
	p.LastContact = now

	if len(plaintext) == 0 {
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	switch plaintext[0] {
	case kindPayload:
		l.SendUp(layer.Frame{Peer: p.ID, Data: plaintext[1:]})
	case kindLatencyPing:
		l.sendData(p, kindLatencyPong, plaintext[1:], now)
	case kindLatencyPong:
		l.handleLatencyPong(p, plaintext[1:], now)
	default:
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
	}
}

// open authenticates first and consults the replay window only for genuine
// packets, so forged sequence numbers cannot advance it. It returns the drop
// reason on failure.
func open(keys *crypto.SessionKeys, window *replay.Filter, seq uint64, ciphertext, ad []byte) ([]byte, string) {
	if keys == nil || keys.Recv == nil {
		return nil, metrics.ReasonNoSession
	}
	plaintext, err := keys.Recv.Open(nil, seq, ciphertext, ad)
	if err != nil {
		return nil, metrics.ReasonAuth
	}
	if !window.ValidateCounter(seq, RejectAfterMessages) {
		return nil, metrics.ReasonReplay
	}
	return plaintext, ""
}

func (l *Layer) sendLatencyProbe(p *peer.Peer, now time.Time) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return
	}
	s := &p.Session
	s.ProbeNonce = binary.BigEndian.Uint64(nonce[:])
	s.ProbeSentAt = now
	s.NextProbe = now.Add(l.timers.LatencyInterval)
	l.sendData(p, kindLatencyPing, nonce[:], now)
}

func (l *Layer) handleLatencyPong(p *peer.Peer, body []byte, now time.Time) {
	s := &p.Session
	if len(body) != 8 || s.ProbeNonce == 0 || binary.BigEndian.Uint64(body) != s.ProbeNonce {
		return
	}
	s.ProbeNonce = 0
	p.Latency = now.Sub(s.ProbeSentAt)
	l.logger.Debug("latency measured", zap.Stringer("peer", p.ID), zap.Duration("rtt", p.Latency))
}
