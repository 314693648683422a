package protocol

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

func TestParseHeader(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	pkt := NewPacket(MessageTypePing, kp.DeviceID(), []byte("body"))
	require.True(t, IsPacket(pkt))

	h, body, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, MessageTypePing, h.Type)
	assert.Equal(t, kp.DeviceID(), h.Sender)
	assert.Equal(t, []byte("body"), body)
}

func TestParseHeaderErrors(t *testing.T) {
	var id identity.DeviceID

	_, _, err := ParseHeader([]byte{0x2c, 0x4e, 1})
	assert.ErrorIs(t, err, ErrPacketTooShort)

	pkt := NewPacket(MessageTypeData, id, nil)
	pkt[0] = 0xc0
	_, _, err = ParseHeader(pkt)
	assert.ErrorIs(t, err, ErrBadMagic)

	pkt = NewPacket(MessageTypeRegister, id, nil)
	_, _, err = ParseHeader(pkt)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMagicKeepsQUICBitClear(t *testing.T) {
	assert.Zero(t, Magic[0]&0x40)
}

func TestHandshakeSignVerify(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	for _, mt := range []MessageType{MessageTypeHandshakeInit, MessageTypeHandshakeReply, MessageTypeRekey} {
		h := Handshake{Type: mt, TimestampMs: time.Now().UnixMilli(), Target: peer.DeviceID()}
		h.Ephemeral[0] = 7
		h.Echo[0] = 9
		h.Sign(kp)

		decoded, err := UnmarshalHandshake(mt, h.Marshal())
		require.NoError(t, err, mt.String())
		require.NoError(t, decoded.Verify(kp.DeviceID()), mt.String())
		assert.Equal(t, h.Ephemeral, decoded.Ephemeral)
		assert.Equal(t, h.Target, decoded.Target)
		if mt == MessageTypeHandshakeReply {
			assert.Equal(t, h.Echo, decoded.Echo)
		}

		assert.ErrorIs(t, decoded.Verify(peer.DeviceID()), ErrHandshakeSenderMismatch)
	}
}

func TestHandshakeTamperAndTypeConfusion(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	h := Handshake{Type: MessageTypeHandshakeInit, TimestampMs: 1}
	h.Sign(kp)
	raw := h.Marshal()

	tampered := append([]byte(nil), raw...)
	tampered[40] ^= 1
	d, err := UnmarshalHandshake(MessageTypeHandshakeInit, tampered)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Verify(kp.DeviceID()), ErrHandshakeBadSignature)

	// An init body replayed as a rekey must not verify.
	d, err = UnmarshalHandshake(MessageTypeRekey, raw)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Verify(kp.DeviceID()), ErrHandshakeBadSignature)

	_, err = UnmarshalHandshake(MessageTypeHandshakeReply, raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPongVerify(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	pinger, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	ping := Ping{Nonce: 42, Target: kp.DeviceID()}
	gotPing, err := UnmarshalPing(ping.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ping, gotPing)

	pong := Pong{Nonce: 42, Observed: netip.MustParseAddrPort("203.0.113.7:4000"), Target: pinger.DeviceID()}
	pong.Sign(kp)
	got, err := UnmarshalPong(pong.Marshal())
	require.NoError(t, err)
	require.NoError(t, got.Verify(kp.DeviceID()))
	assert.Equal(t, pong.Observed, got.Observed)

	got.Observed = netip.MustParseAddrPort("203.0.113.8:4000")
	assert.ErrorIs(t, got.Verify(kp.DeviceID()), ErrPongBadSignature)
}

func TestErrorsCarryPackagePrefix(t *testing.T) {
	for _, err := range []error{
		ErrPacketTooShort, ErrBadMagic, ErrUnknownType, ErrMalformed,
		ErrFrameTooLarge, ErrInvalidType,
		ErrRegisterDeviceMismatch, ErrRegisterBadSignature, ErrRegisterMissingKey,
		ErrHandshakeSenderMismatch, ErrHandshakeBadSignature,
		ErrPongBadSignature,
	} {
		assert.True(t, strings.HasPrefix(err.Error(), "protocol: "), err.Error())
	}
}

func TestAddressAdvertisement(t *testing.T) {
	adv := AddressAdvertisement{Addrs: []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:5582"),
		netip.MustParseAddrPort("[2001:db8::1]:5582"),
	}}
	got, err := UnmarshalAddressAdvertisement(adv.Marshal())
	require.NoError(t, err)
	assert.Equal(t, adv.Addrs, got.Addrs)

	many := AddressAdvertisement{}
	for i := 0; i < 40; i++ {
		many.Addrs = append(many.Addrs, netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), uint16(1000+i)))
	}
	got, err = UnmarshalAddressAdvertisement(many.Marshal())
	require.NoError(t, err)
	assert.Len(t, got.Addrs, MaxAdvertisedAddresses)

	_, err = UnmarshalAddressAdvertisement([]byte{2, 1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRegisterSignAndVerify(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	other, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	reg, err := NewRegister(kp, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.2:5582")}, []identity.DeviceID{other.DeviceID()})
	require.NoError(t, err)
	reg.UserAgent = "ngmeshd/test"
	require.NoError(t, reg.Sign(kp))

	b, err := EncodeJSON(reg)
	require.NoError(t, err)
	var decoded Register
	require.NoError(t, DecodeJSON(b, &decoded))
	require.NoError(t, decoded.Verify())
	assert.Equal(t, reg.Addresses, decoded.Addresses)
	assert.Equal(t, reg.Interested, decoded.Interested)

	decoded.UserAgent = "other"
	assert.ErrorIs(t, decoded.Verify(), ErrRegisterBadSignature)

	forged := reg
	forged.DeviceID = other.DeviceID()
	assert.ErrorIs(t, forged.Verify(), ErrRegisterDeviceMismatch)
}

func TestRelayEncoding(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	r := Relay{Peer: kp.DeviceID(), Packet: []byte{1, 2, 3}}
	got, err := UnmarshalRelay(r.Marshal())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = UnmarshalRelay([]byte{1})
	assert.ErrorIs(t, err, ErrMalformed)
}
