package ngmesh

import (
	"context"
	"net/netip"
	"strconv"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// reload refreshes the in-memory copy of the whitelist, host table and
// settings consulted on the data path.
func (m *Manager) reload() error {
	ids, err := m.store.Whitelist()
	if err != nil {
		return oops.Wrapf(err, "load whitelist")
	}
	hosts, err := m.store.HostTable()
	if err != nil {
		return oops.Wrapf(err, "load host table")
	}
	if hosts == nil {
		hosts = make(map[string]netip.Addr)
	}
	enabled := m.opts.Config.WhitelistEnabled
	if v, ok, err := m.store.Setting(config.SettingWhitelistEnabled); err != nil {
		return oops.Wrapf(err, "load settings")
	} else if ok {
		if b, perr := strconv.ParseBool(v); perr == nil {
			enabled = b
		}
	}
	var websetup identity.DeviceID
	raw, ok, err := m.store.Setting(config.SettingWebsetupID)
	if err != nil {
		return oops.Wrapf(err, "load settings")
	}
	if !ok {
		raw = m.opts.Config.WebsetupID
	}
	if raw != "" {
		if id, perr := identity.ParseDeviceID(raw); perr == nil {
			websetup = id
		} else {
			m.logger.Warn("ignoring invalid websetup id", zap.String("id", raw))
		}
	}

	wl := make(map[identity.DeviceID]struct{}, len(ids))
	for _, id := range ids {
		wl[id] = struct{}{}
	}
	m.mu.Lock()
	m.whitelist = wl
	m.hosts = hosts
	m.enabled = enabled
	m.websetup = websetup
	m.mu.Unlock()
	return nil
}

func (m *Manager) setWebsetup(id identity.DeviceID) error {
	if id.IsZero() {
		return nil
	}
	if err := m.store.SetSetting(config.SettingWebsetupID, id.String()); err != nil {
		return oops.Wrapf(err, "store websetup id")
	}
	m.mu.Lock()
	m.websetup = id
	m.mu.Unlock()
	return nil
}

// IsPeerAllowed reports whether traffic with id is permitted. It is called
// for every frame.
func (m *Manager) IsPeerAllowed(id identity.DeviceID) bool {
	if id.IsReserved() || id == m.self.ID {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled || id == m.websetup {
		return true
	}
	if _, ok := m.always[id]; ok {
		return true
	}
	_, ok := m.whitelist[id]
	return ok
}

// PeerFlags returns the capabilities recorded for id, creating the peer
// with identity.DefaultFlags when it is not known yet.
func (m *Manager) PeerFlags(ctx context.Context, id identity.DeviceID) (identity.Flags, error) {
	var flags identity.Flags
	err := m.loop.Call(ctx, func() { flags = m.peers.GetOrCreate(id).Flags })
	return flags, err
}

// SetPeerFlags replaces the capabilities of id. Peers without
// identity.FlagMulticast leave the multicast fan-out, and
// identity.FlagAlwaysAllowed bypasses the whitelist.
func (m *Manager) SetPeerFlags(ctx context.Context, id identity.DeviceID, flags identity.Flags) error {
	if id.IsReserved() || id == m.self.ID {
		return identity.ErrNotMeshAddress
	}
	err := m.loop.Call(ctx, func() {
		p := m.peers.GetOrCreate(id)
		p.Flags = flags
		m.mu.Lock()
		m.mirrorFlags(id, flags)
		m.mu.Unlock()
	})
	if err != nil {
		return err
	}
	if !m.IsPeerAllowed(id) {
		return m.evict(ctx, id)
	}
	return nil
}

// MulticastDestinations lists whitelisted peers. The management device is
// never a multicast target.
func (m *Manager) MulticastDestinations() []identity.DeviceID {
	m.mu.RLock()
	out := make([]identity.DeviceID, 0, len(m.whitelist))
	for id := range m.whitelist {
		if id != m.self.ID && id != m.websetup {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	config.SortIDs(out)
	return out
}

func (m *Manager) Whitelist() []identity.DeviceID {
	m.mu.RLock()
	out := make([]identity.DeviceID, 0, len(m.whitelist))
	for id := range m.whitelist {
		out = append(out, id)
	}
	m.mu.RUnlock()
	config.SortIDs(out)
	return out
}

func (m *Manager) WhitelistAdd(id identity.DeviceID) error {
	if id.IsReserved() {
		return identity.ErrNotMeshAddress
	}
	if err := m.store.WhitelistAdd(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.whitelist[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

// WhitelistRemove revokes id and drops its peer state, wiping session keys.
func (m *Manager) WhitelistRemove(ctx context.Context, id identity.DeviceID) error {
	if err := m.store.WhitelistRemove(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.whitelist, id)
	m.mu.Unlock()
	if m.IsPeerAllowed(id) {
		return nil
	}
	return m.evict(ctx, id)
}

func (m *Manager) evict(ctx context.Context, ids ...identity.DeviceID) error {
	return m.loop.Post(ctx, func() {
		for _, id := range ids {
			m.security.Forget(id)
			m.peers.Remove(id)
		}
	})
}

func (m *Manager) WhitelistEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Manager) WhitelistEnable() error { return m.setWhitelistEnabled(true) }

func (m *Manager) WhitelistDisable() error { return m.setWhitelistEnabled(false) }

func (m *Manager) setWhitelistEnabled(on bool) error {
	if err := m.store.SetSetting(config.SettingWhitelistEnabled, strconv.FormatBool(on)); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
	return nil
}

func (m *Manager) HostTable() map[string]netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]netip.Addr, len(m.hosts))
	for k, v := range m.hosts {
		out[k] = v
	}
	return out
}

func (m *Manager) HostTableAdd(hostname string, addr netip.Addr) error {
	name, err := config.NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	if err := m.store.HostTableAdd(name, addr); err != nil {
		return err
	}
	m.mu.Lock()
	m.hosts[name] = addr
	m.mu.Unlock()
	return nil
}

func (m *Manager) HostTableRemove(hostname string) error {
	name, err := config.NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	if err := m.store.HostTableRemove(name); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.hosts, name)
	m.mu.Unlock()
	return nil
}

// HostTableResolve maps a host table name to its address.
func (m *Manager) HostTableResolve(hostname string) (netip.Addr, bool) {
	name, err := config.NormalizeHostname(hostname)
	if err != nil {
		return netip.Addr{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.hosts[name]
	return a, ok
}

// RegisterTrustedPeer trusts id and names it in the host table in a single
// change. An empty hostname only whitelists.
func (m *Manager) RegisterTrustedPeer(id identity.DeviceID, hostname string) error {
	if id.IsReserved() {
		return identity.ErrNotMeshAddress
	}
	err := m.store.GroupChanges(func(tx config.Tx) error {
		if err := tx.WhitelistAdd(id); err != nil {
			return err
		}
		if hostname == "" {
			return nil
		}
		return tx.HostTableAdd(hostname, id.Addr())
	})
	if err != nil {
		return err
	}
	return m.reload()
}

// Cleanup resets the whitelist to the management device alone and empties
// the host table. Every other peer is evicted.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.RLock()
	websetup := m.websetup
	m.mu.RUnlock()

	err := m.store.GroupChanges(func(tx config.Tx) error {
		if err := tx.WhitelistClear(); err != nil {
			return err
		}
		if !websetup.IsZero() {
			if err := tx.WhitelistAdd(websetup); err != nil {
				return err
			}
		}
		return tx.HostTableClear()
	})
	if err != nil {
		return err
	}
	before := m.Whitelist()
	if err := m.reload(); err != nil {
		return err
	}
	var gone []identity.DeviceID
	for _, id := range before {
		if !m.IsPeerAllowed(id) {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return m.evict(ctx, gone...)
}
