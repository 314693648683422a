// Package crypto provides the primitives behind ngmesh peer sessions.
//
// Design goals:
//   - Fast on commodity hardware (no AES-NI required)
//   - Forward secrecy via ephemeral X25519 key exchange per session
//   - AEAD encryption via ChaCha20-Poly1305 (RFC 8439) with counter nonces
//   - Key derivation via HKDF-SHA256 bound to both ephemeral keys
package crypto
