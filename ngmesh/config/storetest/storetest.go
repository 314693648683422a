// Package storetest checks config.Store implementations against the same
// behaviour.
package storetest

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/config"
	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var errAbort = errors.New("storetest: abort")

// NewID returns a fresh device id.
func NewID(t *testing.T) identity.DeviceID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID
}

// Run exercises a store produced by open. open is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) config.Store) {
	t.Run("Whitelist", func(t *testing.T) {
		s := open(t)
		a, b := NewID(t), NewID(t)

		require.NoError(t, s.WhitelistAdd(a))
		require.NoError(t, s.WhitelistAdd(b))
		require.NoError(t, s.WhitelistAdd(a))

		ids, err := s.Whitelist()
		require.NoError(t, err)
		assert.ElementsMatch(t, []identity.DeviceID{a, b}, ids)

		ok, err := s.IsOnWhitelist(a)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.WhitelistRemove(a))
		ok, err = s.IsOnWhitelist(a)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.WhitelistClear())
		ids, err = s.Whitelist()
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("HostTable", func(t *testing.T) {
		s := open(t)
		addr := NewID(t).Addr()

		require.NoError(t, s.HostTableAdd("Laptop", addr))
		hosts, err := s.HostTable()
		require.NoError(t, err)
		assert.Equal(t, map[string]netip.Addr{"laptop": addr}, hosts)

		other := NewID(t).Addr()
		require.NoError(t, s.HostTableAdd("laptop", other))
		hosts, err = s.HostTable()
		require.NoError(t, err)
		assert.Equal(t, other, hosts["laptop"])

		assert.ErrorIs(t, s.HostTableAdd("  ", addr), config.ErrInvalidHostname)

		require.NoError(t, s.HostTableRemove("LAPTOP"))
		hosts, err = s.HostTable()
		require.NoError(t, err)
		assert.Empty(t, hosts)
	})

	t.Run("Settings", func(t *testing.T) {
		s := open(t)
		_, ok, err := s.Setting(config.SettingJoinCode)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetSetting(config.SettingJoinCode, "abc"))
		require.NoError(t, s.SetSetting(config.SettingJoinCode, "def"))
		v, ok, err := s.Setting(config.SettingJoinCode)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "def", v)
	})

	t.Run("GroupChangesCommits", func(t *testing.T) {
		s := open(t)
		a := NewID(t)
		err := s.GroupChanges(func(tx config.Tx) error {
			if err := tx.WhitelistAdd(a); err != nil {
				return err
			}
			if err := tx.HostTableAdd("a", a.Addr()); err != nil {
				return err
			}
			return tx.SetSetting(config.SettingWhitelistEnabled, "false")
		})
		require.NoError(t, err)

		ok, err := s.IsOnWhitelist(a)
		require.NoError(t, err)
		assert.True(t, ok)
		hosts, err := s.HostTable()
		require.NoError(t, err)
		assert.Len(t, hosts, 1)
	})

	t.Run("GroupChangesRollsBack", func(t *testing.T) {
		s := open(t)
		kept := NewID(t)
		require.NoError(t, s.WhitelistAdd(kept))
		require.NoError(t, s.HostTableAdd("kept", kept.Addr()))

		err := s.GroupChanges(func(tx config.Tx) error {
			if err := tx.WhitelistClear(); err != nil {
				return err
			}
			if err := tx.HostTableClear(); err != nil {
				return err
			}
			if err := tx.WhitelistAdd(NewID(t)); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		ids, err := s.Whitelist()
		require.NoError(t, err)
		assert.Equal(t, []identity.DeviceID{kept}, ids)
		hosts, err := s.HostTable()
		require.NoError(t, err)
		assert.Contains(t, hosts, "kept")
	})
}
