package ngsocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	q "github.com/quic-go/quic-go"
	"github.com/samber/oops"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/protocol"
)

const (
	DefaultPort       = 5582
	interfaceInterval = time.Minute
	stunInterval      = 5 * time.Minute
)

// InterfaceLister reports the addresses of local network interfaces.
type InterfaceLister func() ([]netip.Addr, error)

type RunnerOptions struct {
	ListenAddr  string
	BaseServers []string
	STUNServers []string
	UserAgent   string

	Loop       Poster
	Socket     *Socket
	Interfaces InterfaceLister

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Runner owns the UDP socket. QUIC packets belong to the base channel;
// everything else is a peer packet or a STUN response.
type Runner struct {
	opts   RunnerOptions
	conn   *net.UDPConn
	tr     *q.Transport
	base   *BaseClient
	stun   *stunTracker
	logger *zap.Logger
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, oops.Wrapf(err, "resolve listen address %s", opts.ListenAddr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, oops.Wrapf(err, "listen on %s", opts.ListenAddr)
	}
	r := &Runner{
		opts:   opts,
		conn:   conn,
		tr:     &q.Transport{Conn: conn},
		stun:   newSTUNTracker(),
		logger: opts.Logger.Named("runner"),
	}
	if len(opts.BaseServers) > 0 {
		r.base = NewBaseClient(BaseClientOptions{
			Identity:  opts.Socket.self,
			Servers:   opts.BaseServers,
			Transport: r.tr,
			Loop:      opts.Loop,
			Socket:    opts.Socket,
			UserAgent: opts.UserAgent,
			Clock:     opts.Clock,
			Logger:    opts.Logger,
		})
		opts.Socket.SetBase(r.base)
	}
	opts.Socket.SetConn(r)
	return r, nil
}

// LocalPort is the bound UDP port.
func (r *Runner) LocalPort() uint16 {
	return uint16(r.conn.LocalAddr().(*net.UDPAddr).Port)
}

// WriteTo implements PacketWriter.
func (r *Runner) WriteTo(b []byte, addr netip.AddrPort) error {
	_, err := r.tr.WriteTo(b, net.UDPAddrFromAddrPort(addr))
	return err
}

func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.readLoop(gctx) })
	if r.base != nil {
		g.Go(func() error { return r.base.Run(gctx) })
	}
	if r.opts.Interfaces != nil {
		g.Go(func() error { return r.interfaceLoop(gctx) })
	}
	if len(r.opts.STUNServers) > 0 {
		g.Go(func() error { return r.stunLoop(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) Close() error {
	return multierr.Combine(r.tr.Close(), r.conn.Close())
}

func (r *Runner) readLoop(ctx context.Context) error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, from, err := r.tr.ReadNonQUICPacket(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return oops.Wrapf(err, "read packet")
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		src := udp.AddrPort()
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
		data := buf[:n]

		if isSTUN(data) {
			r.handleSTUN(data)
			continue
		}
		if !protocol.IsPacket(data) {
			r.opts.Metrics.Drop(layerName, metrics.ReasonMalformed)
			continue
		}
		packet := append([]byte(nil), data...)
		socket := r.opts.Socket
		if !r.opts.Loop.TryPost(func() { socket.HandlePacket(packet, src) }) {
			r.opts.Metrics.Drop(layerName, metrics.ReasonQueueFull)
		}
	}
}

func (r *Runner) handleSTUN(b []byte) {
	mapped, err := r.stun.response(b)
	if err != nil {
		return
	}
	socket := r.opts.Socket
	r.opts.Loop.TryPost(func() { socket.AddLocalCandidate(mapped, peer.SourceObserved) })
}

func (r *Runner) stunLoop(ctx context.Context) error {
	ticker := r.opts.Clock.Ticker(stunInterval)
	defer ticker.Stop()
	for {
		for _, server := range r.opts.STUNServers {
			addr, err := net.ResolveUDPAddr("udp", server)
			if err != nil {
				r.logger.Debug("stun server unresolvable", zap.String("server", server), zap.Error(err))
				continue
			}
			req, err := r.stun.request(r.opts.Clock.Now())
			if err != nil {
				continue
			}
			if _, err := r.tr.WriteTo(req, addr); err != nil {
				r.logger.Debug("stun request failed", zap.String("server", server), zap.Error(err))
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) interfaceLoop(ctx context.Context) error {
	ticker := r.opts.Clock.Ticker(interfaceInterval)
	defer ticker.Stop()
	port := r.LocalPort()
	for {
		addrs, err := r.opts.Interfaces()
		if err != nil {
			r.logger.Warn("listing interface addresses", zap.Error(err))
		} else {
			cands := make([]netip.AddrPort, 0, len(addrs))
			for _, a := range addrs {
				if a.IsLoopback() || a.IsLinkLocalUnicast() {
					continue
				}
				cands = append(cands, netip.AddrPortFrom(a.Unmap(), port))
			}
			socket := r.opts.Socket
			r.opts.Loop.TryPost(func() { socket.SetInterfaceAddresses(cands) })
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
