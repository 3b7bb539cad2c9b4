package crypto

import "errors"

// Sentinel errors shared across the node's cryptographic primitives. Callers
// wrap these with fmt.Errorf("...: %w", ErrX) so errors.Is keeps working
// through the call stack.
var (
	ErrTooShort      = errors.New("crypto: buffer too short")
	ErrBadSignature  = errors.New("crypto: signature verification failed")
	ErrDecryptFail   = errors.New("crypto: authenticated decryption failed")
	ErrHandshakeFail = errors.New("crypto: handshake failed")
	ErrRngFailure    = errors.New("crypto: secure random generator failed")
)
