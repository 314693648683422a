package config

import (
	"errors"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var (
	ErrInvalidHostname = errors.New("config: invalid hostname")
	ErrStoreClosed     = errors.New("config: store closed")
)

// Named settings kept in the Store.
const (
	SettingWhitelistEnabled = "whitelist_enabled"
	SettingWebsetupID       = "websetup_id"
	SettingDashboardDomain  = "dashboard_domain"
	SettingJoinCode         = "join_code"
)

// Tx is the mutating half of a Store. Inside GroupChanges every call joins
// one all-or-nothing change.
type Tx interface {
	WhitelistAdd(identity.DeviceID) error
	WhitelistRemove(identity.DeviceID) error
	WhitelistClear() error

	HostTableAdd(hostname string, addr netip.Addr) error
	HostTableRemove(hostname string) error
	HostTableClear() error

	SetSetting(name, value string) error
}

// Store persists the whitelist, the host table and named settings.
type Store interface {
	Tx

	Whitelist() ([]identity.DeviceID, error)
	IsOnWhitelist(identity.DeviceID) (bool, error)
	HostTable() (map[string]netip.Addr, error)
	// Setting reports the value and whether it was ever set.
	Setting(name string) (string, bool, error)

	// GroupChanges applies fn atomically: if fn returns an error nothing
	// it did is kept.
	GroupChanges(fn func(Tx) error) error
	Close() error
}

// NormalizeHostname lowercases and validates a host table key.
func NormalizeHostname(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || len(name) > 253 || strings.ContainsAny(name, " \t/\\") {
		return "", ErrInvalidHostname
	}
	return name, nil
}

// SortIDs orders ids by address.
func SortIDs(ids []identity.DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

type memoryState struct {
	whitelist map[identity.DeviceID]struct{}
	hosts     map[string]netip.Addr
	settings  map[string]string
}

func newMemoryState() memoryState {
	return memoryState{
		whitelist: make(map[identity.DeviceID]struct{}),
		hosts:     make(map[string]netip.Addr),
		settings:  make(map[string]string),
	}
}

func (s memoryState) clone() memoryState {
	c := newMemoryState()
	for k := range s.whitelist {
		c.whitelist[k] = struct{}{}
	}
	for k, v := range s.hosts {
		c.hosts[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	return c
}

func (s memoryState) WhitelistAdd(id identity.DeviceID) error {
	s.whitelist[id] = struct{}{}
	return nil
}

func (s memoryState) WhitelistRemove(id identity.DeviceID) error {
	delete(s.whitelist, id)
	return nil
}

func (s memoryState) WhitelistClear() error {
	clear(s.whitelist)
	return nil
}

func (s memoryState) HostTableAdd(hostname string, addr netip.Addr) error {
	name, err := NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	s.hosts[name] = addr
	return nil
}

func (s memoryState) HostTableRemove(hostname string) error {
	name, err := NormalizeHostname(hostname)
	if err != nil {
		return err
	}
	delete(s.hosts, name)
	return nil
}

func (s memoryState) HostTableClear() error {
	clear(s.hosts)
	return nil
}

func (s memoryState) SetSetting(name, value string) error {
	s.settings[name] = value
	return nil
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (m *MemoryStore) Whitelist() ([]identity.DeviceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]identity.DeviceID, 0, len(m.state.whitelist))
	for id := range m.state.whitelist {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids, nil
}

func (m *MemoryStore) IsOnWhitelist(id identity.DeviceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.whitelist[id]
	return ok, nil
}

func (m *MemoryStore) HostTable() (map[string]netip.Addr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]netip.Addr, len(m.state.hosts))
	for k, v := range m.state.hosts {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Setting(name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state.settings[name]
	return v, ok, nil
}

func (m *MemoryStore) GroupChanges(fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft := m.state.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryStore) single(fn func(Tx) error) error {
	return m.GroupChanges(fn)
}

func (m *MemoryStore) WhitelistAdd(id identity.DeviceID) error {
	return m.single(func(tx Tx) error { return tx.WhitelistAdd(id) })
}

func (m *MemoryStore) WhitelistRemove(id identity.DeviceID) error {
	return m.single(func(tx Tx) error { return tx.WhitelistRemove(id) })
}

func (m *MemoryStore) WhitelistClear() error {
	return m.single(func(tx Tx) error { return tx.WhitelistClear() })
}

func (m *MemoryStore) HostTableAdd(hostname string, addr netip.Addr) error {
	return m.single(func(tx Tx) error { return tx.HostTableAdd(hostname, addr) })
}

func (m *MemoryStore) HostTableRemove(hostname string) error {
	return m.single(func(tx Tx) error { return tx.HostTableRemove(hostname) })
}

func (m *MemoryStore) HostTableClear() error {
	return m.single(func(tx Tx) error { return tx.HostTableClear() })
}

func (m *MemoryStore) SetSetting(name, value string) error {
	return m.single(func(tx Tx) error { return tx.SetSetting(name, value) })
}

func (m *MemoryStore) Close() error { return nil }
