package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

const X25519KeySize = curve25519.PointSize

var ErrInvalidPublicKey = errors.New("crypto: invalid X25519 public key")

// X25519KeyPair is the ephemeral half of one handshake. It is wiped once
// session keys are derived.
type X25519KeyPair struct {
	PublicKey  [X25519KeySize]byte
	PrivateKey [X25519KeySize]byte
}

func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return X25519KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

func (kp *X25519KeyPair) Wipe() {
	clear(kp.PrivateKey[:])
}

// ECDH returns the raw shared secret with peerPublicKey. Low-order points
// are rejected.
func ECDH(privateKey, peerPublicKey [X25519KeySize]byte) ([]byte, error) {
	if peerPublicKey == [X25519KeySize]byte{} {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return shared, nil
}
