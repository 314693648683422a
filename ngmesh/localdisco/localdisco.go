// Package localdisco finds mesh devices on the same LAN over mDNS, so peers
// behind one NAT talk over their private addresses.
package localdisco

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

const (
	Service         = "_ngmesh._udp"
	Domain          = "local."
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 3 * time.Second
)

var ErrNoPort = errors.New("localdisco: listening port must be > 0")

type server interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string) (server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Found reports a device seen on the LAN and one of its addresses.
type Found func(id identity.DeviceID, addr netip.AddrPort)

type Options struct {
	Self identity.DeviceID
	Port int
	// Interval between browse rounds; each round lasts Timeout.
	Interval time.Duration
	Timeout  time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

type Discovery struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) (*Discovery, error) {
	if opts.Port <= 0 {
		return nil, ErrNoPort
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.registerFn == nil {
		opts.registerFn = func(instance, service, domain string, port int, text []string) (server, error) {
			return zeroconf.Register(instance, service, domain, port, text, nil)
		}
	}
	return &Discovery{opts: opts, logger: opts.Logger.Named("localdisco")}, nil
}

func (d *Discovery) txt() []string {
	return []string{"device_id=" + d.opts.Self.String()}
}

// Run announces this device and browses for others until ctx ends.
func (d *Discovery) Run(ctx context.Context, found Found) error {
	instance := strings.ReplaceAll(d.opts.Self.String(), ":", "-")
	server, err := d.opts.registerFn(instance, Service, Domain, d.opts.Port, d.txt())
	if err != nil {
		return oops.Wrapf(err, "register mDNS service")
	}
	defer server.Shutdown()

	browse := d.opts.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return oops.Wrapf(err, "create mDNS resolver")
		}
		browse = resolver.Browse
	}

	ticker := d.opts.Clock.Ticker(d.opts.Interval)
	defer ticker.Stop()
	for {
		if err := d.scan(ctx, browse, found); err != nil {
			d.logger.Debug("mDNS browse failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Discovery) scan(ctx context.Context, browse browseFunc, found Found) error {
	scanCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				d.report(entry, found)
			}
		}
	}()

	err := browse(scanCtx, Service, Domain, entries)
	if err != nil {
		cancel()
		<-done
		return err
	}
	<-scanCtx.Done()
	<-done
	return nil
}

func (d *Discovery) report(entry *zeroconf.ServiceEntry, found Found) {
	id, ok := parseEntry(entry)
	if !ok || id == d.opts.Self || entry.Port <= 0 || entry.Port > 65535 {
		return
	}
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsUnspecified() || identity.Prefix.Contains(addr) {
			continue
		}
		found(id, netip.AddrPortFrom(addr, uint16(entry.Port)))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (identity.DeviceID, bool) {
	for _, kv := range entry.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "device_id" {
			continue
		}
		id, err := identity.ParseDeviceID(strings.TrimSpace(v))
		if err != nil || id.IsReserved() {
			return identity.DeviceID{}, false
		}
		return id, true
	}
	return identity.DeviceID{}, false
}
