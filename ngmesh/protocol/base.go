package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/netip"
	"time"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var (
	ErrRegisterDeviceMismatch = errors.New("protocol: register device_id does not match public key")
	ErrRegisterBadSignature   = errors.New("protocol: register invalid signature")
	ErrRegisterMissingKey     = errors.New("protocol: register missing public key")
)

// Register is the first frame a device sends to the base server. It proves
// ownership of the DeviceID and lists the addresses the device knows for
// itself and the peers it wants information about.
type Register struct {
	DeviceID     identity.DeviceID   `json:"device_id"`
	PublicKey    []byte              `json:"public_key"`
	TimestampSec int64               `json:"timestamp_sec"`
	Nonce        []byte              `json:"nonce"`
	Addresses    []netip.AddrPort    `json:"addresses,omitempty"`
	Interested   []identity.DeviceID `json:"interested,omitempty"`
	UserAgent    string              `json:"user_agent,omitempty"`
	Signature    []byte              `json:"signature"`
}

func NewRegister(kp identity.KeyPair, addrs []netip.AddrPort, interested []identity.DeviceID) (Register, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Register{}, err
	}
	return Register{
		DeviceID:     kp.DeviceID(),
		PublicKey:    append([]byte(nil), kp.PublicKey...),
		TimestampSec: time.Now().Unix(),
		Nonce:        nonce,
		Addresses:    append([]netip.AddrPort(nil), addrs...),
		Interested:   append([]identity.DeviceID(nil), interested...),
	}, nil
}

func (r Register) SigningBytes() ([]byte, error) {
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrRegisterMissingKey
	}
	var b bytes.Buffer
	b.WriteString("ngmesh-register-v1")
	b.Write(r.DeviceID[:])
	b.Write(r.PublicKey)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.TimestampSec))
	b.Write(ts[:])
	b.Write(r.Nonce)

	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(r.Addresses)))
	b.Write(n[:])
	for _, ap := range r.Addresses {
		b.Write(appendAddrPort(nil, ap))
	}
	binary.BigEndian.PutUint16(n[:], uint16(len(r.Interested)))
	b.Write(n[:])
	for _, id := range r.Interested {
		b.Write(id[:])
	}
	b.WriteString(r.UserAgent)
	return b.Bytes(), nil
}

func (r *Register) Sign(kp identity.KeyPair) error {
	toSign, err := r.SigningBytes()
	if err != nil {
		return err
	}
	r.Signature = kp.Sign(toSign)
	return nil
}

func (r Register) Verify() error {
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return ErrRegisterMissingKey
	}
	if identity.DeviceIDFromPublicKey(r.PublicKey) != r.DeviceID {
		return ErrRegisterDeviceMismatch
	}
	toVerify, err := r.SigningBytes()
	if err != nil {
		return err
	}
	if !identity.Verify(ed25519.PublicKey(r.PublicKey), toVerify, r.Signature) {
		return ErrRegisterBadSignature
	}
	return nil
}

// PeerEntry is what the base server knows about one device.
type PeerEntry struct {
	DeviceID  identity.DeviceID `json:"device_id"`
	Addresses []netip.AddrPort  `json:"addresses"`
}

// RegisterAck confirms a registration and reports the public address the
// server saw the device connect from.
type RegisterAck struct {
	Observed  netip.AddrPort `json:"observed"`
	SessionID string         `json:"session_id"`
	Peers     []PeerEntry    `json:"peers,omitempty"`
}

// PeerInfoRequest asks the server for the current addresses of peers.
type PeerInfoRequest struct {
	Peers []identity.DeviceID `json:"peers"`
}

type PeerList struct {
	Peers []PeerEntry `json:"peers"`
}

// EncodeJSON and DecodeJSON serialize the JSON control messages.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// Relay carries a peer packet through the base server.
//
//	16 bytes: peer DeviceID
//	N bytes:  packet
//
// Sent by a device, Peer is the destination. Delivered by the server, Peer is
// the device the packet came from.
type Relay struct {
	Peer   identity.DeviceID
	Packet []byte
}

func (r Relay) Marshal() []byte {
	b := make([]byte, 0, identity.DeviceIDSize+len(r.Packet))
	b = append(b, r.Peer[:]...)
	return append(b, r.Packet...)
}

func UnmarshalRelay(b []byte) (Relay, error) {
	if len(b) < identity.DeviceIDSize {
		return Relay{}, ErrMalformed
	}
	var r Relay
	copy(r.Peer[:], b[:identity.DeviceIDSize])
	r.Packet = b[identity.DeviceIDSize:]
	return r, nil
}
