package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// DecryptSymmetric opens a secretbox ciphertext produced by
// EncryptSymmetric, returning ErrDecryptFail (wrapped) on any
// authentication failure. Per the handshake and UDX designs, a failed
// open always means "abort this step", never "retry with a different
// key" — the caller resets the owning state machine.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("decrypt symmetric: %w", ErrTooShort)
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, fmt.Errorf("decrypt symmetric: %w", ErrDecryptFail)
	}
	return out, nil
}
