package crypto

import (
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// ChaCha20Encrypt XORs the ChaCha20 keystream for the given key, 12-byte
// nonce, and initial block counter into input, returning a freshly
// allocated ciphertext (or plaintext, the operation is symmetric). Counter
// 1 is reserved for DHT network-key traffic; counter 0 is never used by
// this package's callers.
func ChaCha20Encrypt(key [32]byte, nonce [12]byte, counter uint32, input []byte) ([]byte, error) {
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("chacha20: construct cipher: %w", err)
	}
	cipher.SetCounter(counter)

	out := make([]byte, len(input))
	cipher.XORKeyStream(out, input)
	return out, nil
}

// ChaCha20Decrypt is the same operation as ChaCha20Encrypt; the stream
// cipher is its own inverse.
func ChaCha20Decrypt(key [32]byte, nonce [12]byte, counter uint32, input []byte) ([]byte, error) {
	return ChaCha20Encrypt(key, nonce, counter, input)
}
