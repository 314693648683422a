package multicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

type staticDests struct {
	ids     []identity.DeviceID
	blocked map[identity.DeviceID]bool
}

func (s staticDests) MulticastDestinations() []identity.DeviceID { return s.ids }
func (s staticDests) IsPeerAllowed(id identity.DeviceID) bool  { return !s.blocked[id] }

func newID(t *testing.T) identity.DeviceID {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	return kp.DeviceID()
}

func TestFanOut(t *testing.T) {
	self, a, b, c := newID(t), newID(t), newID(t), newID(t)
	dests := staticDests{ids: []identity.DeviceID{a, b, c, self, a}}

	top, bottom := &layer.Sink{}, &layer.Sink{}
	layer.Stack(top, New(self, dests, nil, nil), bottom)

	top.HandleFromUpper(layer.Frame{Peer: identity.MulticastDeviceID, Data: []byte("mdns")})
	require.Len(t, bottom.FromUpper, 3)

	got := map[identity.DeviceID]string{}
	for _, f := range bottom.FromUpper {
		got[f.Peer] = string(f.Data)
	}
	assert.Equal(t, map[identity.DeviceID]string{a: "mdns", b: "mdns", c: "mdns"}, got)
}

func TestFanOutSkipsDisallowed(t *testing.T) {
	self, a, b := newID(t), newID(t), newID(t)
	dests := staticDests{ids: []identity.DeviceID{a, b}, blocked: map[identity.DeviceID]bool{b: true}}

	top, bottom := &layer.Sink{}, &layer.Sink{}
	layer.Stack(top, New(self, dests, nil, nil), bottom)

	top.HandleFromUpper(layer.Frame{Peer: identity.MulticastDeviceID, Data: []byte("x")})
	require.Len(t, bottom.FromUpper, 1)
	assert.Equal(t, a, bottom.FromUpper[0].Peer)
}

func TestUnicastPassesThrough(t *testing.T) {
	self, a := newID(t), newID(t)
	top, bottom := &layer.Sink{}, &layer.Sink{}
	layer.Stack(top, New(self, staticDests{}, nil, nil), bottom)

	top.HandleFromUpper(layer.Frame{Peer: a, Data: []byte("u")})
	require.Len(t, bottom.FromUpper, 1)
	assert.Equal(t, a, bottom.FromUpper[0].Peer)

	bottom.HandleFromLower(layer.Frame{Peer: a, Data: []byte("in")})
	require.Len(t, top.FromLower, 1)
}

func TestFanOutHonoursPeerFlags(t *testing.T) {
	self, a, b, c := newID(t), newID(t), newID(t), newID(t)
	peers := peer.NewContainer(nil)
	peers.GetOrCreate(a)
	p := peers.GetOrCreate(b)
	p.Flags = p.Flags.Without(identity.FlagMulticast)

	top, bottom := &layer.Sink{}, &layer.Sink{}
	layer.Stack(top, New(self, staticDests{ids: []identity.DeviceID{a, b, c}}, peers, nil), bottom)

	top.HandleFromUpper(layer.Frame{Peer: identity.MulticastDeviceID, Data: []byte("x")})
	var got []identity.DeviceID
	for _, f := range bottom.FromUpper {
		got = append(got, f.Peer)
	}
	// c has no record yet and gets the default capabilities.
	assert.ElementsMatch(t, []identity.DeviceID{a, c}, got)
}
