// Package security implements the per-peer encrypted session layer.
//
// A session is set up with a signed X25519 exchange: the initiator sends its
// Ed25519 public key, an ephemeral X25519 key, a timestamp and the target
// DeviceID, all signed; the responder answers with its own ephemeral key and
// an echo of the initiator's. Both sides derive one ChaCha20-Poly1305 key per
// direction with HKDF over the shared secret bound to both ephemeral keys.
//
// Data packets carry a 64-bit sequence number used as the AEAD nonce and
// checked against a sliding replay window after authentication.
//
// Session state lives in peer.Session and moves through
//
//	NoSession -> Requested -> Established -> Expired -> Requested ...
//
// driven by packets and by Tick. The layer is not safe for concurrent use;
// it runs on the event loop.
package security
