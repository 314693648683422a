package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
)

var ErrInvalidKeySize = errors.New("identity: invalid Ed25519 key size")

// KeyPair holds the Ed25519 keypair a device is identified by.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a keypair whose DeviceID is usable as a virtual
// address. Keys that would map onto a reserved id are discarded.
func GenerateKeyPair() (KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (KeyPair, error) {
	for {
		pub, priv, err := ed25519.GenerateKey(r)
		if err != nil {
			return KeyPair{}, err
		}
		if DeviceIDFromPublicKey(pub).IsReserved() {
			continue
		}
		return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
	}
}

func NewKeyPair(publicKey, privateKey []byte) (KeyPair, error) {
	if len(publicKey) != ed25519.PublicKeySize || len(privateKey) != ed25519.PrivateKeySize {
		return KeyPair{}, ErrInvalidKeySize
	}
	kp := KeyPair{PublicKey: ed25519.PublicKey(publicKey), PrivateKey: ed25519.PrivateKey(privateKey)}
	if !kp.PrivateKey.Public().(ed25519.PublicKey).Equal(kp.PublicKey) {
		return KeyPair{}, errors.New("identity: public key does not match private key")
	}
	return kp, nil
}

func (kp KeyPair) DeviceID() DeviceID {
	return DeviceIDFromPublicKey(kp.PublicKey)
}

func (kp KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
