package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for secretbox encryption.
type Nonce [24]byte

// MaxEncryptionBuffer bounds symmetric encryption inputs to prevent
// excessive memory use from a malformed or hostile caller.
const MaxEncryptionBuffer = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if err := Fill(nonce[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// EncryptSymmetric seals message under key using XSalsa20-Poly1305
// (secretbox), the authenticated construction used both for the Noise
// handshake's static-key wrapping and, with a sequence-derived nonce, for
// UDX payload encryption.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) > MaxEncryptionBuffer {
		return nil, fmt.Errorf("encrypt symmetric: message too large (%d bytes)", len(message))
	}

	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))

	outCopy := make([]byte, len(out))
	copy(outCopy, out)
	return outCopy, nil
}

// zeroNonce is used by the Noise handshake's key-wrapping step, which the
// spec defines over an all-zero secretbox nonce (the wrapping key is only
// ever used once, so nonce reuse is not a concern there).
func zeroNonce() Nonce {
	return Nonce{}
}

// ZeroNonce exposes zeroNonce to other packages in the module.
func ZeroNonce() Nonce {
	return zeroNonce()
}
