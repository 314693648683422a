package compression

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/layer"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
)

func newStack(t *testing.T, alg Algorithm) (*layer.Sink, *Layer, *layer.Sink, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	c, err := New(Options{Algorithm: alg, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	top, bottom := &layer.Sink{}, &layer.Sink{}
	layer.Stack(top, c, bottom)
	return top, c, bottom, m
}

func payloads() [][]byte {
	random := make([]byte, 4000)
	_, _ = rand.Read(random)
	return [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte("ngmesh "), 500),
		random,
	}
}

func TestRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{None, LZ4, Zstd} {
		t.Run(alg.String(), func(t *testing.T) {
			top, _, bottom, _ := newStack(t, alg)
			id := identity.DeviceID{0xfc, 0x94, 7}
			for _, p := range payloads() {
				top.Reset()
				bottom.Reset()
				top.HandleFromUpper(layer.Frame{Peer: id, Data: p})
				require.Len(t, bottom.FromUpper, 1)

				bottom.HandleFromLower(bottom.FromUpper[0])
				require.Len(t, top.FromLower, 1)
				assert.Equal(t, id, top.FromLower[0].Peer)
				assert.True(t, bytes.Equal(p, top.FromLower[0].Data))
			}
		})
	}
}

func TestCompressesOnlyWhenSmaller(t *testing.T) {
	_, c, _, _ := newStack(t, LZ4)

	text := bytes.Repeat([]byte("a"), 1000)
	enc := c.Encode(text)
	assert.Equal(t, byte(LZ4), enc[0])
	assert.Less(t, len(enc), len(text))

	small := []byte("below threshold")
	assert.Equal(t, byte(None), c.Encode(small)[0])

	random := make([]byte, 1000)
	_, _ = rand.Read(random)
	assert.Equal(t, byte(None), c.Encode(random)[0])
}

func TestCorruptFrameDropped(t *testing.T) {
	for _, alg := range []Algorithm{LZ4, Zstd} {
		t.Run(alg.String(), func(t *testing.T) {
			top, c, bottom, m := newStack(t, alg)
			enc := c.Encode(bytes.Repeat([]byte("xyz"), 400))
			require.Equal(t, byte(alg), enc[0])

			corrupt := append([]byte(nil), enc[:len(enc)/2]...)
			for i := 5; i < len(corrupt); i++ {
				corrupt[i] ^= 0xa5
			}
			bottom.HandleFromLower(layer.Frame{Data: corrupt})
			bottom.HandleFromLower(layer.Frame{Data: []byte{9, 1, 2}})
			bottom.HandleFromLower(layer.Frame{Data: nil})
			assert.Empty(t, top.FromLower)
			assert.Equal(t, 3.0, testutil.ToFloat64(m.Dropped.WithLabelValues("compression", metrics.ReasonCorrupt)))

			// The pipeline keeps working afterwards.
			top.HandleFromUpper(layer.Frame{Data: []byte("still fine")})
			bottom.HandleFromLower(bottom.FromUpper[len(bottom.FromUpper)-1])
			require.Len(t, top.FromLower, 1)
			assert.Equal(t, []byte("still fine"), top.FromLower[0].Data)
		})
	}
}

func TestDecompressionLimit(t *testing.T) {
	m := metrics.New()
	c, err := New(Options{Algorithm: LZ4, MaxFrameSize: 1000, Metrics: m})
	require.NoError(t, err)
	defer c.Close()

	enc := c.Encode(bytes.Repeat([]byte("z"), 5000))
	_, err = c.Decode(enc)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{None, LZ4, Zstd} {
		got, err := ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}
	_, err := ParseAlgorithm("brotli")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
