// Package portmap asks the local gateway to forward the mesh UDP port, via
// NAT-PMP or UPnP IGD. A mapped address is one more direct candidate.
package portmap

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/samber/oops"
	"go.uber.org/zap"
)

const (
	// Lifetime requested for every mapping; Maintain renews at half of it.
	Lifetime    = time.Hour
	description = "ngmesh"
	pmpTimeout  = 2 * time.Second
)

var (
	ErrNoMapper  = errors.New("portmap: no port mapping protocol available")
	ErrNoAddress = errors.New("portmap: gateway reported no external address")
)

// Mapper maps a local UDP port on the gateway.
type Mapper interface {
	Name() string
	Map(ctx context.Context, port uint16) (netip.AddrPort, error)
	Unmap(ctx context.Context, port uint16) error
}

// PMP maps ports with NAT-PMP on an explicit gateway.
type PMP struct {
	client *natpmp.Client
}

func NewPMP(gateway netip.Addr) *PMP {
	return &PMP{client: natpmp.NewClientWithTimeout(net.IP(gateway.AsSlice()), pmpTimeout)}
}

func (p *PMP) Name() string { return "nat-pmp" }

func (p *PMP) Map(ctx context.Context, port uint16) (netip.AddrPort, error) {
	ext, err := p.client.GetExternalAddress()
	if err != nil {
		return netip.AddrPort{}, oops.Wrapf(err, "nat-pmp external address")
	}
	if err := ctx.Err(); err != nil {
		return netip.AddrPort{}, err
	}
	res, err := p.client.AddPortMapping("udp", int(port), int(port), int(Lifetime/time.Second))
	if err != nil {
		return netip.AddrPort{}, oops.Wrapf(err, "nat-pmp map port %d", port)
	}
	addr := netip.AddrFrom4(ext.ExternalIPAddress)
	if addr.IsUnspecified() {
		return netip.AddrPort{}, ErrNoAddress
	}
	return netip.AddrPortFrom(addr, res.MappedExternalPort), nil
}

func (p *PMP) Unmap(_ context.Context, port uint16) error {
	if _, err := p.client.AddPortMapping("udp", int(port), 0, 0); err != nil {
		return oops.Wrapf(err, "nat-pmp unmap port %d", port)
	}
	return nil
}

// igd is the subset of the generated IGD clients used here.
type igd interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16,
		internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetServiceClient() *goupnp.ServiceClient
}

// UPnP maps ports through an Internet Gateway Device.
type UPnP struct {
	client igd
}

// DiscoverUPnP searches the LAN for an IGDv2 (or IGDv1 compatible) WAN
// connection service.
func DiscoverUPnP(ctx context.Context) (*UPnP, error) {
	if cs, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return &UPnP{client: cs[0]}, nil
	}
	if cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return &UPnP{client: cs[0]}, nil
	}
	if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return &UPnP{client: cs[0]}, nil
	}
	return nil, ErrNoMapper
}

func (u *UPnP) Name() string { return "upnp" }

// localAddr is the address we use to reach the gateway.
func (u *UPnP) localAddr() (string, error) {
	loc := u.client.GetServiceClient().Location
	if loc == nil {
		return "", ErrNoAddress
	}
	host := loc.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", ErrNoAddress
	}
	return ua.IP.String(), nil
}

func (u *UPnP) Map(ctx context.Context, port uint16) (netip.AddrPort, error) {
	local, err := u.localAddr()
	if err != nil {
		return netip.AddrPort{}, oops.Wrapf(err, "upnp local address")
	}
	if err := ctx.Err(); err != nil {
		return netip.AddrPort{}, err
	}
	if err := u.client.AddPortMapping("", port, "UDP", port, local, true, description, uint32(Lifetime/time.Second)); err != nil {
		return netip.AddrPort{}, oops.Wrapf(err, "upnp map port %d", port)
	}
	raw, err := u.client.GetExternalIPAddress()
	if err != nil {
		return netip.AddrPort{}, oops.Wrapf(err, "upnp external address")
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.IsUnspecified() {
		return netip.AddrPort{}, ErrNoAddress
	}
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

func (u *UPnP) Unmap(_ context.Context, port uint16) error {
	if err := u.client.DeletePortMapping("", port, "UDP"); err != nil {
		return oops.Wrapf(err, "upnp unmap port %d", port)
	}
	return nil
}

// Discover returns the first mapper that can map port: NAT-PMP when a
// gateway is configured, then UPnP when enabled.
func Discover(ctx context.Context, gateway string, upnp bool, port uint16, logger *zap.Logger) (Mapper, netip.AddrPort, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var candidates []func() (Mapper, error)
	if gateway != "" {
		candidates = append(candidates, func() (Mapper, error) {
			gw, err := netip.ParseAddr(gateway)
			if err != nil {
				return nil, oops.Wrapf(err, "parse gateway %s", gateway)
			}
			return NewPMP(gw), nil
		})
	}
	if upnp {
		candidates = append(candidates, func() (Mapper, error) { return DiscoverUPnP(ctx) })
	}
	for _, build := range candidates {
		m, err := build()
		if err != nil {
			logger.Debug("port mapper unavailable", zap.Error(err))
			continue
		}
		addr, err := m.Map(ctx, port)
		if err != nil {
			logger.Debug("port mapping failed", zap.String("mapper", m.Name()), zap.Error(err))
			continue
		}
		return m, addr, nil
	}
	return nil, netip.AddrPort{}, ErrNoMapper
}

// Maintain keeps port mapped until ctx ends, calling report with every
// successful result. The mapping is removed on return.
func Maintain(ctx context.Context, m Mapper, port uint16, clk clock.Clock, logger *zap.Logger, report func(netip.AddrPort)) error {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("portmap").With(zap.String("mapper", m.Name()), zap.String("port", strconv.Itoa(int(port))))

	ticker := clk.Ticker(Lifetime / 2)
	defer ticker.Stop()
	var last netip.AddrPort
	for {
		addr, err := m.Map(ctx, port)
		if err != nil {
			logger.Warn("renewing port mapping", zap.Error(err))
		} else {
			if addr != last {
				logger.Info("port mapped", zap.Stringer("external", addr))
				last = addr
			}
			report(addr)
		}
		select {
		case <-ctx.Done():
			unmapCtx, cancel := context.WithTimeout(context.Background(), pmpTimeout)
			defer cancel()
			if err := m.Unmap(unmapCtx, port); err != nil {
				logger.Debug("removing port mapping", zap.Error(err))
			}
			return nil
		case <-ticker.C:
		}
	}
}
