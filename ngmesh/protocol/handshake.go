package protocol

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

var (
	ErrHandshakeSenderMismatch = errors.New("protocol: handshake sender does not match public key")
	ErrHandshakeBadSignature   = errors.New("protocol: handshake invalid signature")
)

const (
	handshakeInitSize  = 32 + 32 + 8 + identity.DeviceIDSize + ed25519.SignatureSize
	handshakeReplySize = handshakeInitSize + 32
)

// Handshake is the body of HANDSHAKE_INIT, REKEY and HANDSHAKE_REPLY packets.
// It binds an ephemeral X25519 key to the sender's Ed25519 identity.
//
//	32 bytes: sender Ed25519 public key
//	32 bytes: sender ephemeral X25519 public key
//	 8 bytes: timestamp, unix milliseconds
//	16 bytes: target DeviceID
//	32 bytes: (reply only) initiator ephemeral key being answered
//	64 bytes: Ed25519 signature over SigningBytes
type Handshake struct {
	Type        MessageType
	PublicKey   ed25519.PublicKey
	Ephemeral   [32]byte
	TimestampMs int64
	Target      identity.DeviceID
	Echo        [32]byte
	Signature   []byte
}

func (h Handshake) isReply() bool { return h.Type == MessageTypeHandshakeReply }

// SigningBytes covers every field and the sender id so a signature cannot be
// moved to another message type or sender.
func (h Handshake) SigningBytes() []byte {
	sender := identity.DeviceIDFromPublicKey(h.PublicKey)
	b := make([]byte, 0, 64+handshakeReplySize)
	b = append(b, "ngmesh-handshake-v1"...)
	b = append(b, byte(h.Type))
	b = append(b, sender[:]...)
	b = append(b, h.PublicKey...)
	b = append(b, h.Ephemeral[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(h.TimestampMs))
	b = append(b, h.Target[:]...)
	if h.isReply() {
		b = append(b, h.Echo[:]...)
	}
	return b
}

func (h *Handshake) Sign(kp identity.KeyPair) {
	h.PublicKey = kp.PublicKey
	h.Signature = kp.Sign(h.SigningBytes())
}

// Verify checks the signature and that the packet sender owns the key.
func (h Handshake) Verify(sender identity.DeviceID) error {
	if len(h.PublicKey) != ed25519.PublicKeySize {
		return ErrMalformed
	}
	if identity.DeviceIDFromPublicKey(h.PublicKey) != sender {
		return ErrHandshakeSenderMismatch
	}
	if !identity.Verify(h.PublicKey, h.SigningBytes(), h.Signature) {
		return ErrHandshakeBadSignature
	}
	return nil
}

func (h Handshake) Marshal() []byte {
	size := handshakeInitSize
	if h.isReply() {
		size = handshakeReplySize
	}
	b := make([]byte, 0, size)
	b = append(b, h.PublicKey...)
	b = append(b, h.Ephemeral[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(h.TimestampMs))
	b = append(b, h.Target[:]...)
	if h.isReply() {
		b = append(b, h.Echo[:]...)
	}
	return append(b, h.Signature...)
}

func UnmarshalHandshake(t MessageType, b []byte) (Handshake, error) {
	h := Handshake{Type: t}
	want := handshakeInitSize
	if h.isReply() {
		want = handshakeReplySize
	}
	if len(b) != want {
		return Handshake{}, ErrMalformed
	}
	h.PublicKey = ed25519.PublicKey(append([]byte(nil), b[:32]...))
	copy(h.Ephemeral[:], b[32:64])
	h.TimestampMs = int64(binary.BigEndian.Uint64(b[64:72]))
	copy(h.Target[:], b[72:88])
	off := 88
	if h.isReply() {
		copy(h.Echo[:], b[88:120])
		off = 120
	}
	h.Signature = append([]byte(nil), b[off:]...)
	return h, nil
}
