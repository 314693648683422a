package layer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

type xorLayer struct {
	Base
	key byte
}

func (x *xorLayer) apply(f Frame) Frame {
	out := make([]byte, len(f.Data))
	for i, b := range f.Data {
		out[i] = b ^ x.key
	}
	return Frame{Peer: f.Peer, Data: out}
}

func (x *xorLayer) HandleFromUpper(f Frame) { x.SendDown(x.apply(f)) }
func (x *xorLayer) HandleFromLower(f Frame) { x.SendUp(x.apply(f)) }

func TestStackOrder(t *testing.T) {
	top, bottom := &Sink{}, &Sink{}
	x := &xorLayer{key: 0x5a}
	pass := &Base{}

	require.Same(t, top, Stack(top, x, pass, bottom))

	id := identity.DeviceID{0xfc, 0x94, 1}
	top.HandleFromUpper(Frame{Peer: id, Data: []byte("hello")})
	require.Len(t, bottom.FromUpper, 1)
	assert.Equal(t, id, bottom.FromUpper[0].Peer)
	assert.False(t, bytes.Equal(bottom.FromUpper[0].Data, []byte("hello")))

	bottom.HandleFromLower(bottom.FromUpper[0])
	require.Len(t, top.FromLower, 1)
	assert.Equal(t, []byte("hello"), top.FromLower[0].Data)
}

func TestUnboundBaseDrops(t *testing.T) {
	var b Base
	b.SendUp(Frame{})
	b.SendDown(Frame{})
	assert.Nil(t, Stack())
}
