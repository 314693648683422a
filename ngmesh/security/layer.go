package security

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

const layerName = "security"

var (
	ErrMissingPeers  = errors.New("security: peer container required")
	ErrMissingPolicy = errors.New("security: policy required")
)

type Layer struct {
	layer.Base

	self    identity.Identity
	peers   *peer.Container
	policy  Policy
	timers  Timers
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Peers in StateRequested, oldest evicted first.
	pending *lru.Cache[identity.DeviceID, struct{}]
	// Initiator ephemeral keys already answered.
	seen *lru.Cache[[32]byte, struct{}]
}

func New(opts Options) (*Layer, error) {
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
	l := &Layer{
		self:    opts.Identity,
		peers:   opts.Peers,
		policy:  opts.Policy,
		timers:  opts.Timers.withDefaults(),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named(layerName),
	}
	var err error
	l.pending, err = lru.NewWithEvict[identity.DeviceID, struct{}](l.timers.MaxPending, l.onPendingEvicted)
	if err != nil {
		return nil, err
	}
	l.seen, err = lru.New[[32]byte, struct{}](l.timers.SeenCache)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// onPendingEvicted aborts the handshake of a peer pushed out of the pending
// set. Removals after the handshake finished find the peer in another state
// and do nothing.
func (l *Layer) onPendingEvicted(id identity.DeviceID, _ struct{}) {
	p, ok := l.peers.Get(id)
	if !ok || p.Session.State != peer.StateRequested {
		return
	}
	l.logger.Info("handshake evicted", zap.Stringer("peer", id))
	l.abortHandshake(p, metrics.ReasonQueueFull)
}

// HandleFromUpper encrypts a payload for f.Peer, starting a handshake and
// queueing the payload when no session is established.
func (l *Layer) HandleFromUpper(f layer.Frame) {
	if !l.policy.IsPeerAllowed(f.Peer) || f.Peer.IsReserved() || f.Peer == l.self.ID {
		l.metrics.Drop(layerName, metrics.ReasonUntrusted)
		return
	}
	now := l.clock.Now()
	p := l.peers.GetOrCreate(f.Peer)
	l.checkExpiry(p, now)

	s := &p.Session
	switch s.State {
	case peer.StateEstablished:
		l.sendData(p, kindPayload, f.Data, now)
	case peer.StateRequested:
		l.enqueue(p, f.Data)
	default:
		l.enqueue(p, f.Data)
		l.startHandshake(p, false, now)
	}
}

// HandleFromLower processes a packet received from f.Peer.
func (l *Layer) HandleFromLower(f layer.Frame) {
	h, body, err := protocol.ParseHeader(f.Data)
	if err != nil || h.Sender != f.Peer || !h.Type.IsSecurity() {
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	if !l.policy.IsPeerAllowed(h.Sender) || h.Sender.IsReserved() || h.Sender == l.self.ID {
		l.metrics.Drop(layerName, metrics.ReasonUntrusted)
		return
	}
	now := l.clock.Now()
	switch h.Type {
	case protocol.MessageTypeData:
		l.handleData(h, f.Data, body, now)
	case protocol.MessageTypeHandshakeInit, protocol.MessageTypeRekey:
		l.handleInit(h, body, now)
	case protocol.MessageTypeHandshakeReply:
		l.handleReply(h, body, now)
	}
}

// State reports the session state with id.
func (l *Layer) State(id identity.DeviceID) peer.State {
	p, ok := l.peers.Get(id)
	if !ok {
		return peer.StateNoSession
	}
	return p.Session.State
}

// Latency reports the last measured round trip to id, or
// peer.LatencyUnknown.
func (l *Layer) Latency(id identity.DeviceID) time.Duration {
	p, ok := l.peers.Get(id)
	if !ok {
		return peer.LatencyUnknown
	}
	return p.Latency
}

// Forget drops any handshake bookkeeping for id. The caller removes the peer
// from the container.
func (l *Layer) Forget(id identity.DeviceID) {
	l.pending.Remove(id)
}

func (l *Layer) enqueue(p *peer.Peer, data []byte) {
	s := &p.Session
	if len(s.Queue) >= l.timers.MaxQueued {
		l.metrics.Drop(layerName, metrics.ReasonQueueFull)
		return
	}
	s.Queue = append(s.Queue, append([]byte(nil), data...))
}

func (l *Layer) flushQueue(p *peer.Peer, now time.Time) {
	queued := p.Session.Queue
	p.Session.Queue = nil
	for _, data := range queued {
		l.sendData(p, kindPayload, data, now)
	}
}

func (l *Layer) dropQueue(p *peer.Peer, reason string) {
	for range p.Session.Queue {
		l.metrics.Drop(layerName, reason)
	}
	p.Session.Queue = nil
}

func (l *Layer) send(id identity.DeviceID, packet []byte) {
	l.SendDown(layer.Frame{Peer: id, Data: packet})
}
