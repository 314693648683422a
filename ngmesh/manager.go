package ngmesh

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/oops"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/ngmesh/ngmesh/compression"
	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/directory"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/localdisco"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/multicast"
	"github.com/TheusHen/ngmesh/ngmesh/ngsocket"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
	"github.com/TheusHen/ngmesh/ngmesh/portmap"
	"github.com/TheusHen/ngmesh/ngmesh/privileged"
	"github.com/TheusHen/ngmesh/ngmesh/scheduler"
	"github.com/TheusHen/ngmesh/ngmesh/security"
	"github.com/TheusHen/ngmesh/ngmesh/tun"
)

const UserAgent = "ngmesh/1.0"

var ErrMissingStore = errors.New("ngmesh: settings store required")

type Options struct {
	Config   config.Config
	Identity identity.Identity
	Store    config.Store
	// Resolver turns Config.DashboardDomain into base servers when none
	// are configured. Results are cached in Store.
	Resolver directory.Resolver
	// Device is the virtual interface. The manager closes it when Run
	// returns.
	Device     tun.Device
	Privileged privileged.Privileged
	// ListenAddr overrides the address built from Config.ListenPort.
	ListenAddr string

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Manager owns one data plane instance. Its methods are safe for concurrent
// use; anything touching peers runs on the event loop.
type Manager struct {
	opts    Options
	self    identity.Identity
	store   config.Store
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	loop        *scheduler.Loop
	peers       *peer.Container
	tun         *tun.Layer
	multicast   *multicast.Layer
	compression *compression.Layer
	security    *security.Layer
	socket      *ngsocket.Socket
	runner      *ngsocket.Runner

	mu        sync.RWMutex
	whitelist map[identity.DeviceID]struct{}
	enabled   bool
	websetup  identity.DeviceID
	hosts     map[string]netip.Addr

	// Mirror of the peers carrying identity.FlagAlwaysAllowed, readable
	// off the event loop.
	always map[identity.DeviceID]struct{}
}

func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config
	m := &Manager{
		opts:    opts,
		self:    opts.Identity,
		store:   opts.Store,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("manager"),
	}
	if cfg.DataDir != "" {
		if _, err := config.ImportLegacy(m.store, cfg.DataDir, opts.Logger); err != nil {
			m.logger.Warn("legacy configuration import failed", zap.Error(err))
		}
	}
	if err := m.reload(); err != nil {
		return nil, err
	}

	bases := cfg.BaseServers
	if len(bases) == 0 && opts.Resolver != nil && cfg.DashboardDomain != "" {
		dir, err := directory.NewCached(opts.Resolver, m.store, opts.Logger).Resolve(ctx, cfg.DashboardDomain)
		if err != nil {
			m.logger.Warn("dashboard directory unavailable", zap.String("domain", cfg.DashboardDomain), zap.Error(err))
		} else {
			bases = dir.BaseServers
			if err := m.setWebsetup(dir.WebsetupID); err != nil {
				return nil, err
			}
		}
	}

	if err := m.build(bases); err != nil {
		m.compressionClose()
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(bases []string) error {
	cfg := m.opts.Config
	log := m.opts.Logger

	m.loop = scheduler.New(scheduler.Options{Clock: m.clock, Logger: log})
	m.peers = peer.NewContainer(log)
	m.peers.OnCreate = m.onPeerCreated

	var err error
	m.security, err = security.New(security.Options{
		Identity: m.self,
		Peers:    m.peers,
		Policy:   m,
		Timers:   cfg.SecurityTimers(),
		Clock:    m.clock,
		Metrics:  m.metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	m.compression, err = compression.New(compression.Options{
		Algorithm: cfg.CompressionAlgorithm(),
		Threshold: cfg.Compression.Threshold,
		Metrics:   m.metrics,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	m.socket, err = ngsocket.New(ngsocket.Options{
		Identity: m.self,
		Peers:    m.peers,
		Policy:   m,
		Timers:   cfg.TransportTimers(),
		Clock:    m.clock,
		Metrics:  m.metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	m.multicast = multicast.New(m.self.ID, m, m.peers, log)

	layers := []layer.Layer{m.multicast, m.compression, m.security, m.socket}
	if m.opts.Device != nil {
		m.tun = tun.New(tun.Options{Self: m.self.ID, Device: m.opts.Device, Metrics: m.metrics, Logger: log})
		layers = append([]layer.Layer{m.tun}, layers...)
	}
	layer.Stack(layers...)

	m.loop.Every(m.security.Tick)
	m.loop.Every(m.socket.Tick)

	listen := m.opts.ListenAddr
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.ListenPort)
	}
	var lister ngsocket.InterfaceLister
	if m.opts.Privileged != nil {
		lister = m.opts.Privileged.LocalAddresses
	}
	m.runner, err = ngsocket.NewRunner(ngsocket.RunnerOptions{
		ListenAddr:  listen,
		BaseServers: bases,
		STUNServers: cfg.STUNServers,
		UserAgent:   UserAgent,
		Loop:        m.loop,
		Socket:      m.socket,
		Interfaces:  lister,
		Clock:       m.clock,
		Metrics:     m.metrics,
		Logger:      log,
	})
	return err
}

func (m *Manager) onPeerCreated(p *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == m.websetup {
		p.Flags = p.Flags.With(identity.FlagAlwaysAllowed).Without(identity.FlagMulticast)
	}
	m.mirrorFlags(p.ID, p.Flags)
}

// mirrorFlags must be called with mu held.
func (m *Manager) mirrorFlags(id identity.DeviceID, flags identity.Flags) {
	if m.always == nil {
		m.always = make(map[identity.DeviceID]struct{})
	}
	if flags.Has(identity.FlagAlwaysAllowed) {
		m.always[id] = struct{}{}
	} else {
		delete(m.always, id)
	}
}

func (m *Manager) compressionClose() {
	if m.compression != nil {
		m.compression.Close()
	}
}

// SelfAddress is the virtual IPv6 address of this device.
func (m *Manager) SelfAddress() netip.Addr { return m.self.Addr() }

func (m *Manager) Identity() identity.Identity { return m.self }

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// LocalPort is the UDP port peers reach this device on.
func (m *Manager) LocalPort() uint16 { return m.runner.LocalPort() }

// Run starts the event loop and every I/O goroutine and blocks until ctx
// ends or one of them fails.
func (m *Manager) Run(ctx context.Context) error {
	cfg := m.opts.Config
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop.Run(gctx) })
	g.Go(func() error { return m.runner.Run(gctx) })

	if m.tun != nil {
		g.Go(func() error { return m.tun.ReadLoop(gctx, m.loop) })
		g.Go(func() error { return m.tun.WriteLoop(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			if err := m.opts.Device.Close(); err != nil {
				m.logger.Debug("closing device", zap.Error(err))
			}
			return nil
		})
	}
	if cfg.MDNS {
		g.Go(func() error { return m.runLocalDiscovery(gctx) })
	}
	if cfg.NATPMPGateway != "" || cfg.UPnP {
		g.Go(func() error { return m.runPortMapping(gctx) })
	}
	if m.opts.Privileged != nil {
		if err := m.opts.Privileged.NotifyReady(); err != nil {
			m.logger.Warn("service readiness notification failed", zap.Error(err))
		}
	}
	m.logger.Info("data plane running",
		zap.Stringer("address", m.SelfAddress()),
		zap.Uint16("port", m.LocalPort()))

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, scheduler.ErrClosed) {
		return nil
	}
	return err
}

func (m *Manager) runLocalDiscovery(ctx context.Context) error {
	d, err := localdisco.New(localdisco.Options{
		Self:   m.self.ID,
		Port:   int(m.LocalPort()),
		Clock:  m.clock,
		Logger: m.opts.Logger,
	})
	if err != nil {
		return err
	}
	err = d.Run(ctx, func(id identity.DeviceID, addr netip.AddrPort) {
		m.loop.TryPost(func() { m.socket.AddPeerCandidate(id, addr, peer.SourceLocal) })
	})
	if err != nil {
		// LAN discovery is optional; a host without multicast keeps working.
		m.logger.Warn("local discovery disabled", zap.Error(err))
	}
	return nil
}

func (m *Manager) runPortMapping(ctx context.Context) error {
	cfg := m.opts.Config
	port := m.LocalPort()
	mapper, addr, err := portmap.Discover(ctx, cfg.NATPMPGateway, cfg.UPnP, port, m.opts.Logger)
	if err != nil {
		m.logger.Info("no port mapping available", zap.Error(err))
		return nil
	}
	m.loop.TryPost(func() { m.socket.AddLocalCandidate(addr, peer.SourceObserved) })
	return portmap.Maintain(ctx, mapper, port, m.clock, m.opts.Logger, func(a netip.AddrPort) {
		m.loop.TryPost(func() { m.socket.AddLocalCandidate(a, peer.SourceObserved) })
	})
}

// Close releases the socket and codec state. Call it after Run returns.
func (m *Manager) Close() error {
	m.compressionClose()
	var err error
	if m.runner != nil {
		err = multierr.Append(err, m.runner.Close())
	}
	if err != nil {
		return oops.Wrapf(err, "close manager")
	}
	return nil
}
