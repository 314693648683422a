package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// Packet header layout:
//
//	2 bytes:  magic 0x2c 0x4e
//	1 byte:   message type
//	16 bytes: sender DeviceID
//
// The first magic byte keeps the QUIC fixed bit (0x40) clear so peer packets
// share a UDP socket with the base server QUIC connection.
const (
	HeaderSize = 2 + 1 + identity.DeviceIDSize

	// MaxPacketSize bounds a single UDP datagram.
	MaxPacketSize = 65535
)

var Magic = [2]byte{0x2c, 0x4e}

var (
	ErrPacketTooShort = errors.New("protocol: packet too short")
	ErrBadMagic       = errors.New("protocol: bad magic")
	ErrUnknownType    = errors.New("protocol: unknown packet type")
	ErrMalformed      = errors.New("protocol: malformed payload")
)

type Header struct {
	Type   MessageType
	Sender identity.DeviceID
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, t MessageType, sender identity.DeviceID) []byte {
	dst = append(dst, Magic[0], Magic[1], byte(t))
	return append(dst, sender[:]...)
}

// NewPacket allocates header plus room for a payload of size n.
func NewPacket(t MessageType, sender identity.DeviceID, payload []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(payload))
	out = AppendHeader(out, t, sender)
	return append(out, payload...)
}

// IsPacket is a cheap check for the packet magic.
func IsPacket(b []byte) bool {
	return len(b) >= 2 && b[0] == Magic[0] && b[1] == Magic[1]
}

// ParseHeader validates framing and returns the header and payload.
func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrPacketTooShort
	}
	if !IsPacket(b) {
		return Header{}, nil, ErrBadMagic
	}
	t := MessageType(b[2])
	if !t.IsPeerPacket() {
		return Header{}, nil, ErrUnknownType
	}
	var h Header
	h.Type = t
	copy(h.Sender[:], b[3:HeaderSize])
	return h, b[HeaderSize:], nil
}

const addrPortSize = 18

func appendAddrPort(dst []byte, ap netip.AddrPort) []byte {
	a := ap.Addr().As16()
	dst = append(dst, a[:]...)
	return binary.BigEndian.AppendUint16(dst, ap.Port())
}

func readAddrPort(b []byte) netip.AddrPort {
	var a [16]byte
	copy(a[:], b[:16])
	return netip.AddrPortFrom(netip.AddrFrom16(a).Unmap(), binary.BigEndian.Uint16(b[16:18]))
}
