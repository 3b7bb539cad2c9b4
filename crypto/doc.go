// Package crypto implements the cryptographic primitives shared by the
// overlay node: secure random generation, the ChaCha20 stream cipher used
// to wrap DHT traffic under a network-wide key, Ed25519 signing of DHT
// messages, X25519 Diffie-Hellman for the Noise handshake, and the
// secretbox authenticated encryption used both by the handshake's
// key-wrapping step and by UDX's per-packet AEAD.
//
// Key material is handled defensively: FromSecretKey and
// DeriveSharedSecret wipe their working copies of private key material
// with ZeroBytes (a SecureWipe wrapper), and Fill refuses to return
// degraded randomness — a failing CSPRNG is treated as fatal rather than
// silently weakened.
package crypto
