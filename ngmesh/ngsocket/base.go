package ngsocket

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	q "github.com/quic-go/quic-go"
	"github.com/samber/oops"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
	transportquic "github.com/TheusHen/ngmesh/ngmesh/transport/quic"
)

const (
	KeepaliveInterval = 15 * time.Second
	DeadAfter         = 45 * time.Second
	registerTimeout   = 10 * time.Second
	outboundQueue     = 512
)

var (
	ErrNoBaseServers     = errors.New("ngsocket: no base servers configured")
	ErrUnexpectedMessage = errors.New("ngsocket: unexpected base server message")
)

// Poster runs functions on the event loop.
type Poster interface {
	TryPost(func()) bool
	Call(ctx context.Context, fn func()) error
}

type BaseClientOptions struct {
	Identity  identity.Identity
	Servers   []string
	Transport *q.Transport
	Loop      Poster
	Socket    *Socket
	UserAgent string

	// Backoff between reconnect attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// BaseClient keeps a control channel to one of the base servers open. It
// implements BaseLink.
type BaseClient struct {
	opts      BaseClientOptions
	out       chan protocol.Frame
	connected atomic.Bool
	logger    *zap.Logger
}

func NewBaseClient(opts BaseClientOptions) *BaseClient {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	return &BaseClient{
		opts:   opts,
		out:    make(chan protocol.Frame, outboundQueue),
		logger: opts.Logger.Named("base"),
	}
}

// Send queues f for the current connection.
func (c *BaseClient) Send(f protocol.Frame) bool {
	if !c.connected.Load() {
		return false
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *BaseClient) Connected() bool { return c.connected.Load() }

// Run connects and reconnects until ctx is done. Servers are tried in
// turn; failures back off exponentially.
func (c *BaseClient) Run(ctx context.Context) error {
	if len(c.opts.Servers) == 0 {
		return ErrNoBaseServers
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.MinBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Clock = c.opts.Clock
	bo.Reset()

	for i := 0; ; i++ {
		server := c.opts.Servers[i%len(c.opts.Servers)]
		started := c.opts.Clock.Now()
		err := c.session(ctx, server)
		c.setDisconnected()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.opts.Clock.Since(started) > c.opts.MaxBackoff {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.logger.Warn("base channel lost", zap.String("server", server), zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-c.opts.Clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *BaseClient) setDisconnected() {
	if !c.connected.Swap(false) {
		return
	}
	c.opts.Loop.TryPost(func() { c.opts.Socket.SetBaseConnected(false, netip.AddrPort{}) })
}

func (c *BaseClient) session(ctx context.Context, server string) error {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return oops.Wrapf(err, "resolve base server %s", server)
	}
	dialCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	conn, err := transportquic.Dial(dialCtx, c.opts.Transport, addr)
	if err != nil {
		return oops.Wrapf(err, "dial base server %s", server)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return oops.Wrapf(err, "open control stream")
	}
	ack, err := c.register(dialCtx, stream)
	if err != nil {
		return err
	}

	c.drain()
	c.connected.Store(true)
	c.logger.Info("registered with base server",
		zap.String("server", server),
		zap.Stringer("observed", ack.Observed),
		zap.String("session", ack.SessionID))
	socket := c.opts.Socket
	if err := c.opts.Loop.Call(ctx, func() {
		socket.SetBaseConnected(true, ack.Observed)
		socket.HandlePeerList(ack.Peers)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx, stream) })
	g.Go(func() error { return c.readLoop(stream) })
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the reader.
		stream.CancelRead(0)
		return nil
	})
	return g.Wait()
}

func (c *BaseClient) register(ctx context.Context, stream *q.Stream) (protocol.RegisterAck, error) {
	var (
		addrs      []netip.AddrPort
		interested []identity.DeviceID
	)
	socket := c.opts.Socket
	if err := c.opts.Loop.Call(ctx, func() {
		addrs = socket.LocalCandidates()
		interested = socket.InterestedPeers()
	}); err != nil {
		return protocol.RegisterAck{}, err
	}

	reg, err := protocol.NewRegister(c.opts.Identity.KeyPair, addrs, interested)
	if err != nil {
		return protocol.RegisterAck{}, err
	}
	reg.UserAgent = c.opts.UserAgent
	if err := reg.Sign(c.opts.Identity.KeyPair); err != nil {
		return protocol.RegisterAck{}, err
	}
	payload, err := protocol.EncodeJSON(reg)
	if err != nil {
		return protocol.RegisterAck{}, err
	}
	if err := protocol.WriteFrame(stream, protocol.Frame{Type: protocol.MessageTypeRegister, Payload: payload}); err != nil {
		return protocol.RegisterAck{}, oops.Wrapf(err, "send registration")
	}

	_ = stream.SetReadDeadline(time.Now().Add(registerTimeout))
	f, err := protocol.ReadFrame(stream)
	if err != nil {
		return protocol.RegisterAck{}, oops.Wrapf(err, "read registration ack")
	}
	if f.Type != protocol.MessageTypeRegisterAck {
		return protocol.RegisterAck{}, oops.Wrapf(ErrUnexpectedMessage, "got %s", f.Type)
	}
	var ack protocol.RegisterAck
	if err := protocol.DecodeJSON(f.Payload, &ack); err != nil {
		return protocol.RegisterAck{}, oops.Wrapf(err, "decode registration ack")
	}
	return ack, nil
}

// drain discards frames queued for a previous connection.
func (c *BaseClient) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

func (c *BaseClient) writeLoop(ctx context.Context, stream *q.Stream) error {
	keepalive := c.opts.Clock.Ticker(KeepaliveInterval)
	defer keepalive.Stop()
	for {
		var f protocol.Frame
		select {
		case f = <-c.out:
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

func (c *BaseClient) readLoop(stream *q.Stream) error {
	socket := c.opts.Socket
	for {
		_ = stream.SetReadDeadline(time.Now().Add(DeadAfter))
		f, err := protocol.ReadFrame(stream)
		if err != nil {
			return oops.Wrapf(err, "read base channel")
		}
		switch f.Type {
		case protocol.MessageTypeRelay:
			r, err := protocol.UnmarshalRelay(f.Payload)
			if err != nil {
				continue
			}
			if !c.opts.Loop.TryPost(func() { socket.HandleRelayed(r.Peer, r.Packet) }) {
				c.logger.Debug("loop busy, dropping relayed packet")
			}
		case protocol.MessageTypePeerList:
			var list protocol.PeerList
			if err := protocol.DecodeJSON(f.Payload, &list); err != nil {
				continue
			}
			c.opts.Loop.TryPost(func() { socket.HandlePeerList(list.Peers) })
		case protocol.MessageTypeKeepalive:
		default:
			c.logger.Debug("ignoring base message", zap.Stringer("type", f.Type))
		}
	}
}
