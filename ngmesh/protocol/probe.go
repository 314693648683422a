package protocol

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// MaxAdvertisedAddresses caps an ADDRESS_ADVERTISEMENT.
const MaxAdvertisedAddresses = 16

var ErrPongBadSignature = errors.New("protocol: pong invalid signature")

// Ping probes a candidate address of Target.
//
//	8 bytes:  nonce
//	16 bytes: target DeviceID
type Ping struct {
	Nonce  uint64
	Target identity.DeviceID
}

func (p Ping) Marshal() []byte {
	b := make([]byte, 0, 8+identity.DeviceIDSize)
	b = binary.BigEndian.AppendUint64(b, p.Nonce)
	return append(b, p.Target[:]...)
}

func UnmarshalPing(b []byte) (Ping, error) {
	if len(b) != 8+identity.DeviceIDSize {
		return Ping{}, ErrMalformed
	}
	var p Ping
	p.Nonce = binary.BigEndian.Uint64(b[:8])
	copy(p.Target[:], b[8:])
	return p, nil
}

// Pong answers a Ping. It is signed by the responder so the pinger knows the
// address really reaches the device it expects, and it tells the pinger the
// address its ping arrived from.
//
//	8 bytes:  nonce echoed from the ping
//	18 bytes: observed address of the pinger (16 byte IP, 2 byte port)
//	16 bytes: pinger DeviceID
//	32 bytes: responder Ed25519 public key
//	64 bytes: signature
type Pong struct {
	Nonce     uint64
	Observed  netip.AddrPort
	Target    identity.DeviceID
	PublicKey ed25519.PublicKey
	Signature []byte
}

func (p Pong) SigningBytes() []byte {
	b := make([]byte, 0, 96)
	b = append(b, "ngmesh-pong-v1"...)
	b = binary.BigEndian.AppendUint64(b, p.Nonce)
	b = appendAddrPort(b, p.Observed)
	b = append(b, p.Target[:]...)
	return append(b, p.PublicKey...)
}

func (p *Pong) Sign(kp identity.KeyPair) {
	p.PublicKey = kp.PublicKey
	p.Signature = kp.Sign(p.SigningBytes())
}

func (p Pong) Verify(sender identity.DeviceID) error {
	if identity.DeviceIDFromPublicKey(p.PublicKey) != sender {
		return ErrHandshakeSenderMismatch
	}
	if !identity.Verify(p.PublicKey, p.SigningBytes(), p.Signature) {
		return ErrPongBadSignature
	}
	return nil
}

func (p Pong) Marshal() []byte {
	b := make([]byte, 0, 8+addrPortSize+identity.DeviceIDSize+32+64)
	b = binary.BigEndian.AppendUint64(b, p.Nonce)
	b = appendAddrPort(b, p.Observed)
	b = append(b, p.Target[:]...)
	b = append(b, p.PublicKey...)
	return append(b, p.Signature...)
}

func UnmarshalPong(b []byte) (Pong, error) {
	const size = 8 + addrPortSize + identity.DeviceIDSize + ed25519.PublicKeySize + ed25519.SignatureSize
	if len(b) != size {
		return Pong{}, ErrMalformed
	}
	var p Pong
	p.Nonce = binary.BigEndian.Uint64(b[:8])
	p.Observed = readAddrPort(b[8:26])
	copy(p.Target[:], b[26:42])
	p.PublicKey = ed25519.PublicKey(append([]byte(nil), b[42:74]...))
	p.Signature = append([]byte(nil), b[74:]...)
	return p, nil
}

// AddressAdvertisement lists addresses the sender believes it is reachable at.
//
//	1 byte: count
//	count * 18 bytes: addresses
type AddressAdvertisement struct {
	Addrs []netip.AddrPort
}

func (a AddressAdvertisement) Marshal() []byte {
	addrs := a.Addrs
	if len(addrs) > MaxAdvertisedAddresses {
		addrs = addrs[:MaxAdvertisedAddresses]
	}
	b := make([]byte, 0, 1+len(addrs)*addrPortSize)
	b = append(b, byte(len(addrs)))
	for _, ap := range addrs {
		b = appendAddrPort(b, ap)
	}
	return b
}

func UnmarshalAddressAdvertisement(b []byte) (AddressAdvertisement, error) {
	if len(b) < 1 {
		return AddressAdvertisement{}, ErrMalformed
	}
	n := int(b[0])
	if n > MaxAdvertisedAddresses || len(b) != 1+n*addrPortSize {
		return AddressAdvertisement{}, ErrMalformed
	}
	out := AddressAdvertisement{Addrs: make([]netip.AddrPort, 0, n)}
	for i := 0; i < n; i++ {
		off := 1 + i*addrPortSize
		out.Addrs = append(out.Addrs, readAddrPort(b[off:off+addrPortSize]))
	}
	return out, nil
}
