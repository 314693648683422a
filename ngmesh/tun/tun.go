// Package tun connects the top of the layer stack to the virtual network
// interface. Only IPv6 packets between mesh addresses cross it.
package tun

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
)

const (
	layerName = "tun"
	// MTU of the virtual interface; room is left for the mesh headers.
	MTU            = 1350
	writeQueueSize = 256
)

var (
	ErrNotIPv6     = errors.New("tun: not an IPv6 packet")
	ErrTruncated   = errors.New("tun: truncated packet")
	ErrBadSource   = errors.New("tun: unexpected source address")
	ErrDestination = errors.New("tun: destination outside the mesh")
)

// Device is a virtual interface carrying raw IP packets. Close must unblock
// a pending Read.
type Device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Poster hands work to the event loop without blocking.
type Poster interface {
	TryPost(fn func()) bool
}

type Options struct {
	Self    identity.DeviceID
	Device  Device
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Layer is the top of the stack. Packets read from the device go down;
// frames arriving from below are written to the device by WriteLoop.
type Layer struct {
	layer.Base
	self    identity.DeviceID
	dev     Device
	out     chan []byte
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(opts Options) *Layer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Layer{
		self:    opts.Self,
		dev:     opts.Device,
		out:     make(chan []byte, writeQueueSize),
		metrics: opts.Metrics,
		logger:  opts.Logger.Named(layerName),
	}
}

type header struct {
	src, dst netip.Addr
}

func parse(packet []byte) (header, error) {
	if len(packet) < ipv6.HeaderLen {
		return header{}, ErrTruncated
	}
	h, err := ipv6.ParseHeader(packet)
	if err != nil {
		return header{}, ErrTruncated
	}
	if h.Version != ipv6.Version {
		return header{}, ErrNotIPv6
	}
	if ipv6.HeaderLen+h.PayloadLen > len(packet) {
		return header{}, ErrTruncated
	}
	src, ok1 := netip.AddrFromSlice(h.Src)
	dst, ok2 := netip.AddrFromSlice(h.Dst)
	if !ok1 || !ok2 {
		return header{}, ErrTruncated
	}
	return header{src: src, dst: dst}, nil
}

// Outbound validates a packet read from the device and sends it down the
// stack addressed to the device owning its destination.
func (l *Layer) Outbound(packet []byte) {
	dst, err := l.checkOutbound(packet)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonAddress)
		l.logger.Debug("dropping outbound packet", zap.Error(err))
		return
	}
	l.SendDown(layer.Frame{Peer: dst, Data: packet})
}

func (l *Layer) checkOutbound(packet []byte) (identity.DeviceID, error) {
	h, err := parse(packet)
	if err != nil {
		return identity.DeviceID{}, err
	}
	if h.src != l.self.Addr() {
		return identity.DeviceID{}, ErrBadSource
	}
	dst, err := identity.DeviceIDFromAddr(h.dst)
	if err != nil || dst == l.self || dst.IsZero() {
		return identity.DeviceID{}, ErrDestination
	}
	return dst, nil
}

// HandleFromUpper makes the layer usable below another top layer.
func (l *Layer) HandleFromUpper(f layer.Frame) { l.Outbound(f.Data) }

// HandleFromLower checks that the packet really comes from the sending
// device and is meant for us, then queues it for the device.
func (l *Layer) HandleFromLower(f layer.Frame) {
	h, err := parse(f.Data)
	if err != nil {
		l.metrics.Drop(layerName, metrics.ReasonMalformed)
		return
	}
	if h.src != f.Peer.Addr() || (h.dst != l.self.Addr() && h.dst != identity.MulticastAddr) {
		l.metrics.Drop(layerName, metrics.ReasonAddress)
		l.logger.Debug("dropping inbound packet with foreign addresses",
			zap.Stringer("peer", f.Peer), zap.Stringer("src", h.src), zap.Stringer("dst", h.dst))
		return
	}
	select {
	case l.out <- f.Data:
	default:
		l.metrics.Drop(layerName, metrics.ReasonQueueFull)
	}
}

// ReadLoop copies packets from the device into the event loop until the
// device fails or ctx ends.
func (l *Layer) ReadLoop(ctx context.Context, loop Poster) error {
	buf := make([]byte, 65535)
	for {
		n, err := l.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		packet := append([]byte(nil), buf[:n]...)
		if !loop.TryPost(func() { l.Outbound(packet) }) {
			l.metrics.Drop(layerName, metrics.ReasonQueueFull)
		}
	}
}

// WriteLoop writes inbound packets to the device.
func (l *Layer) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-l.out:
			if _, err := l.dev.Write(p); err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				l.logger.Warn("writing to device", zap.Error(err))
			}
		}
	}
}
