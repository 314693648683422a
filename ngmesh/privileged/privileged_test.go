package privileged

import (
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

func TestFilesStayInDir(t *testing.T) {
	p := &OS{Dir: t.TempDir()}

	require.NoError(t, p.WriteFile("settings", []byte("x")))
	b, err := p.ReadFile("settings")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), b)

	assert.ErrorIs(t, p.WriteFile("../escape", nil), ErrInvalidName)
	_, err = p.ReadFile("..")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestIdentityStore(t *testing.T) {
	p := &OS{Dir: t.TempDir()}
	store := IdentityStore{P: p}

	_, err := store.ReadIdentity()
	assert.ErrorIs(t, err, identity.ErrIdentityNotFound)

	first, err := identity.LoadOrCreate(store, nil)
	require.NoError(t, err)
	again, err := identity.LoadOrCreate(store, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestUsableAddresses(t *testing.T) {
	assert.True(t, usable(netip.MustParseAddr("192.168.1.4")))
	assert.True(t, usable(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, usable(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, usable(netip.MustParseAddr("fe80::1")))
	assert.False(t, usable(netip.MustParseAddr("fc94::1")))
}

func TestNotifyReadyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NoError(t, (&OS{}).NotifyReady())
}

func TestNotifyReadyReachesSystemd(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	require.NoError(t, (&OS{}).NotifyReady())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1", string(buf[:n]))
}
