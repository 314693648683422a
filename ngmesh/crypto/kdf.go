package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeysLabel = "ngmesh-session-keys-v1"

// DeriveSessionKeys expands an X25519 secret into one key per direction.
// Both ephemeral public keys are mixed in so the keys belong to exactly one
// handshake.
func DeriveSessionKeys(sharedSecret []byte, initiatorPub, responderPub [32]byte) (initiatorKey, responderKey []byte, err error) {
	info := make([]byte, 0, len(sessionKeysLabel)+2*X25519KeySize)
	info = append(info, sessionKeysLabel...)
	info = append(info, initiatorPub[:]...)
	info = append(info, responderPub[:]...)

	okm := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, info), okm); err != nil {
		return nil, nil, err
	}
	return okm[:KeySize:KeySize], okm[KeySize:], nil
}
