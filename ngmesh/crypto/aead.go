package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrKeyWiped           = errors.New("crypto: key material wiped")
)

// KeySize is the ChaCha20-Poly1305 key size.
const KeySize = chacha20poly1305.KeySize

// AEAD wraps ChaCha20-Poly1305 keyed for one direction of one session.
// The 96-bit nonce is 4 zero bytes followed by the 64-bit big endian message
// counter, so a counter must never be reused under the same key.
type AEAD struct {
	aead cipher.AEAD
	key  [KeySize]byte
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: invalid key size for ChaCha20-Poly1305")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	a := &AEAD{aead: aead}
	copy(a.key[:], key)
	return a, nil
}

func nonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// Seal appends the encrypted and authenticated plaintext to dst.
// Output: ciphertext || tag (16 bytes).
func (a *AEAD) Seal(dst []byte, counter uint64, plaintext, additionalData []byte) ([]byte, error) {
	if a.aead == nil {
		return nil, ErrKeyWiped
	}
	return a.aead.Seal(dst, nonce(counter), plaintext, additionalData), nil
}

// Open decrypts and verifies ciphertext sealed with the same counter.
func (a *AEAD) Open(dst []byte, counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	if a.aead == nil {
		return nil, ErrKeyWiped
	}
	if len(ciphertext) < a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(dst, nonce(counter), ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return chacha20poly1305.Overhead }

// Wipe zeroes the key copy held here and drops the cipher. The x/crypto
// cipher keeps its own expanded key that Go gives no way to erase; dropping
// the reference is the best available.
func (a *AEAD) Wipe() {
	for i := range a.key {
		a.key[i] = 0
	}
	a.aead = nil
}

// Wiped reports whether Wipe has been called.
func (a *AEAD) Wiped() bool { return a.aead == nil }
