package ngsocket

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSTUNResponseMatched(t *testing.T) {
	tracker := newSTUNTracker()
	raw, err := tracker.request(time.Now())
	require.NoError(t, err)
	require.True(t, isSTUN(raw))

	req := new(stun.Message)
	req.Raw = raw
	require.NoError(t, req.Decode())

	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.ParseIP("203.0.113.9"), Port: 61000},
		stun.Fingerprint,
	)
	require.NoError(t, err)

	addr, err := tracker.response(res.Raw)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.9:61000"), addr)

	// A second copy of the same response is not ours any more.
	_, err = tracker.response(res.Raw)
	assert.ErrorIs(t, err, ErrNoMappedAddress)
}

func TestSTUNUnsolicitedIgnored(t *testing.T) {
	tracker := newSTUNTracker()
	res, err := stun.Build(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.ParseIP("203.0.113.9"), Port: 1})
	require.NoError(t, err)
	_, err = tracker.response(res.Raw)
	assert.ErrorIs(t, err, ErrNoMappedAddress)
}
