// Package baseserver is a reference base server: it authenticates devices,
// tells them the address it sees them at, answers peer address queries and
// relays packets between devices that cannot reach each other directly.
package baseserver

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	q "github.com/quic-go/quic-go"
	"github.com/samber/oops"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
	transportquic "github.com/TheusHen/ngmesh/ngmesh/transport/quic"
)

const (
	layerName         = "baseserver"
	DefaultRelayRate  = 2000
	DefaultRelayBurst = 4000
	registerTimeout   = 10 * time.Second
	// Freshness bounds the registration timestamp skew.
	Freshness         = 2 * time.Minute
	KeepaliveInterval = 15 * time.Second
	DeadAfter         = 45 * time.Second
	outboundQueue     = 512
	// MaxInterest caps how many devices one connection may follow.
	MaxInterest       = 1024
	// seenRegistrations sizes the replay cache. A registration older than
	// Freshness fails the timestamp check, so entries only need to outlive
	// that window.
	seenRegistrations = 16384
)

var (
	ErrStaleRegistration    = errors.New("baseserver: registration timestamp out of range")
	ErrNotRegistered        = errors.New("baseserver: first frame must be a registration")
	ErrReplayedRegistration = errors.New("baseserver: registration already used")
)

type Options struct {
	ListenAddr string
	// RelayRate and RelayBurst limit relayed packets per device and second.
	RelayRate  rate.Limit
	RelayBurst int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type device struct {
	id       identity.DeviceID
	session  string
	observed netip.AddrPort
	addrs    []netip.AddrPort
	interest map[identity.DeviceID]struct{}
	out      chan protocol.Frame
	limiter  *rate.Limiter
	cancel   context.CancelFunc
}

func (d *device) entry() protocol.PeerEntry {
	addrs := make([]netip.AddrPort, 0, len(d.addrs)+1)
	addrs = append(addrs, d.observed)
	for _, a := range d.addrs {
		if a != d.observed {
			addrs = append(addrs, a)
		}
	}
	return protocol.PeerEntry{DeviceID: d.id, Addresses: addrs}
}

func (d *device) send(f protocol.Frame) bool {
	select {
	case d.out <- f:
		return true
	default:
		return false
	}
}

type Server struct {
	opts   Options
	ln     *transportquic.Listener
	logger *zap.Logger

	seen *lru.Cache[[ed25519.SignatureSize]byte, struct{}]

	mu      sync.RWMutex
	devices map[identity.DeviceID]*device
}

func New(opts Options) (*Server, error) {
	if opts.RelayRate <= 0 {
		opts.RelayRate = DefaultRelayRate
	}
	if opts.RelayBurst <= 0 {
		opts.RelayBurst = DefaultRelayBurst
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	seen, err := lru.New[[ed25519.SignatureSize]byte, struct{}](seenRegistrations)
	if err != nil {
		return nil, oops.Wrapf(err, "create replay cache")
	}
	ln, err := transportquic.Listen(opts.ListenAddr)
	if err != nil {
		return nil, oops.Wrapf(err, "listen on %s", opts.ListenAddr)
	}
	return &Server{
		opts:    opts,
		ln:      ln,
		logger:  opts.Logger.Named("base"),
		seen:    seen,
		devices: make(map[identity.DeviceID]*device),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Close() error { return s.ln.Close() }

// Devices returns the number of registered devices.
func (s *Server) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Serve accepts devices until ctx ends or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, q.ErrServerClosed) {
				return nil
			}
			return oops.Wrapf(err, "accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handleConn(ctx, conn); err != nil {
				s.logger.Debug("device connection ended", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn *q.Conn) error {
	defer conn.CloseWithError(0, "")

	acceptCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(acceptCtx)
	if err != nil {
		return oops.Wrapf(err, "accept control stream")
	}

	_ = stream.SetReadDeadline(time.Now().Add(registerTimeout))
	reg, err := s.readRegister(stream)
	if err != nil {
		return err
	}
	observed := observedAddr(conn.RemoteAddr())

	devCtx, devCancel := context.WithCancel(ctx)
	defer devCancel()
	d := &device{
		id:       reg.DeviceID,
		session:  uuid.NewString(),
		observed: observed,
		addrs:    sanitize(reg.Addresses),
		interest: make(map[identity.DeviceID]struct{}, len(reg.Interested)),
		out:      make(chan protocol.Frame, outboundQueue),
		limiter:  rate.NewLimiter(s.opts.RelayRate, s.opts.RelayBurst),
		cancel:   devCancel,
	}
	s.follow(d, reg.Interested)

	ack := protocol.RegisterAck{Observed: observed, SessionID: d.session, Peers: s.attach(d)}
	defer s.detach(d)
	payload, err := protocol.EncodeJSON(ack)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(stream, protocol.Frame{Type: protocol.MessageTypeRegisterAck, Payload: payload}); err != nil {
		return oops.Wrapf(err, "write registration ack")
	}
	s.logger.Info("device registered",
		zap.Stringer("device", d.id),
		zap.Stringer("observed", observed),
		zap.String("session", d.session),
		zap.String("user_agent", reg.UserAgent))

	g, gctx := errgroup.WithContext(devCtx)
	g.Go(func() error { return s.writeLoop(gctx, d, stream) })
	g.Go(func() error { return s.readLoop(d, stream) })
	g.Go(func() error {
		<-gctx.Done()
		stream.CancelRead(0)
		return nil
	})
	return g.Wait()
}

func (s *Server) readRegister(stream *q.Stream) (protocol.Register, error) {
	f, err := protocol.ReadFrame(stream)
	if err != nil {
		return protocol.Register{}, oops.Wrapf(err, "read registration")
	}
	if f.Type != protocol.MessageTypeRegister {
		return protocol.Register{}, ErrNotRegistered
	}
	var reg protocol.Register
	if err := protocol.DecodeJSON(f.Payload, &reg); err != nil {
		return protocol.Register{}, oops.Wrapf(err, "decode registration")
	}
	if err := reg.Verify(); err != nil {
		s.opts.Metrics.Drop(layerName, metrics.ReasonAuth)
		return protocol.Register{}, err
	}
	skew := s.opts.Clock.Now().Sub(time.Unix(reg.TimestampSec, 0))
	if skew > Freshness || skew < -Freshness {
		s.opts.Metrics.Drop(layerName, metrics.ReasonStale)
		return protocol.Register{}, ErrStaleRegistration
	}
	// Each registration carries a fresh nonce, so a repeated signature is
	// a replay.
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], reg.Signature)
	if dup, _ := s.seen.ContainsOrAdd(sig, struct{}{}); dup {
		s.opts.Metrics.Drop(layerName, metrics.ReasonReplay)
		return protocol.Register{}, ErrReplayedRegistration
	}
	return reg, nil
}

func observedAddr(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

func sanitize(addrs []netip.AddrPort) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsValid() || a.Port() == 0 || a.Addr().IsUnspecified() || a.Addr().IsMulticast() {
			continue
		}
		out = append(out, netip.AddrPortFrom(a.Addr().Unmap(), a.Port()))
		if len(out) == protocol.MaxAdvertisedAddresses {
			break
		}
	}
	return out
}

// attach records d, replacing an older connection of the same device, and
// returns what d asked to know. Devices interested in d are told about it.
func (s *Server) attach(d *device) []protocol.PeerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.devices[d.id]; ok {
		old.cancel()
	}
	s.devices[d.id] = d

	peers := make([]protocol.PeerEntry, 0, len(d.interest))
	for id := range d.interest {
		if other, ok := s.devices[id]; ok {
			peers = append(peers, other.entry())
		}
	}
	update, err := protocol.EncodeJSON(protocol.PeerList{Peers: []protocol.PeerEntry{d.entry()}})
	if err == nil {
		for _, other := range s.devices {
			if _, ok := other.interest[d.id]; ok && other != d {
				other.send(protocol.Frame{Type: protocol.MessageTypePeerList, Payload: update})
			}
		}
	}
	return peers
}

func (s *Server) detach(d *device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.devices[d.id]; ok && cur == d {
		delete(s.devices, d.id)
		s.logger.Info("device disconnected", zap.Stringer("device", d.id), zap.String("session", d.session))
	}
}

// follow adds ids to what d is interested in, up to MaxInterest.
func (s *Server) follow(d *device, ids []identity.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := d.interest[id]; ok {
			continue
		}
		if len(d.interest) >= MaxInterest {
			s.opts.Metrics.Drop(layerName, metrics.ReasonTooLarge)
			return
		}
		d.interest[id] = struct{}{}
	}
}

func (s *Server) lookup(id identity.DeviceID) (*device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Server) writeLoop(ctx context.Context, d *device, stream *q.Stream) error {
	keepalive := s.opts.Clock.Ticker(KeepaliveInterval)
	defer keepalive.Stop()
	for {
		var f protocol.Frame
		select {
		case f = <-d.out:
		case <-keepalive.C:
			f = protocol.Frame{Type: protocol.MessageTypeKeepalive}
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := protocol.WriteFrame(stream, f); err != nil {
			return oops.Wrapf(err, "write %s", f.Type)
		}
	}
}

func (s *Server) readLoop(d *device, stream *q.Stream) error {
	for {
		_ = stream.SetReadDeadline(time.Now().Add(DeadAfter))
		f, err := protocol.ReadFrame(stream)
		if err != nil {
			return oops.Wrapf(err, "read from %s", d.id)
		}
		switch f.Type {
		case protocol.MessageTypeRelay:
			s.relay(d, f.Payload)
		case protocol.MessageTypePeerInfoRequest:
			s.peerInfo(d, f.Payload)
		case protocol.MessageTypeKeepalive:
		default:
			s.opts.Metrics.Drop(layerName, metrics.ReasonMalformed)
		}
	}
}

func (s *Server) relay(from *device, payload []byte) {
	r, err := protocol.UnmarshalRelay(payload)
	if err != nil {
		s.opts.Metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	if !from.limiter.Allow() {
		s.opts.Metrics.Drop(layerName, metrics.ReasonRateLimited)
		return
	}
	to, ok := s.lookup(r.Peer)
	if !ok {
		s.opts.Metrics.Drop(layerName, metrics.ReasonNoConnection)
		return
	}
	// The destination learns who sent the packet from the server, not from
	// the sender.
	out := protocol.Relay{Peer: from.id, Packet: r.Packet}
	if !to.send(protocol.Frame{Type: protocol.MessageTypeRelay, Payload: out.Marshal()}) {
		s.opts.Metrics.Drop(layerName, metrics.ReasonQueueFull)
		return
	}
	s.opts.Metrics.SentVia("relay")
}

func (s *Server) peerInfo(d *device, payload []byte) {
	var req protocol.PeerInfoRequest
	if err := protocol.DecodeJSON(payload, &req); err != nil {
		s.opts.Metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	list := protocol.PeerList{Peers: make([]protocol.PeerEntry, 0, len(req.Peers))}
	s.follow(d, req.Peers)
	s.mu.Lock()
	for _, id := range req.Peers {
		if other, ok := s.devices[id]; ok {
			list.Peers = append(list.Peers, other.entry())
		}
	}
	s.mu.Unlock()
	b, err := protocol.EncodeJSON(list)
	if err != nil {
		return
	}
	d.send(protocol.Frame{Type: protocol.MessageTypePeerList, Payload: b})
}
