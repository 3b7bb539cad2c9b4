package crypto

import (
	cryptorand "crypto/rand"
)

// Fill draws len(buffer) cryptographically secure random bytes from the
// operating system CSPRNG into buffer. There is no degraded fallback: a
// read failure here means the host's entropy source is broken, and the
// caller should treat it as fatal rather than proceed with weak material.
func Fill(buffer []byte) error {
	logger := NewLogger("Fill").WithCaller()

	if len(buffer) == 0 {
		return nil
	}

	n, err := cryptorand.Read(buffer)
	if err != nil {
		logger.WithError(err, "rng_read_failed", "crypto/rand.Read").
			WithField("requested_bytes", len(buffer)).
			Error("secure RNG read failed")
		return ErrRngFailure
	}
	if n != len(buffer) {
		logger.WithField("requested_bytes", len(buffer)).
			WithField("actual_bytes", n).
			Error("secure RNG returned short read")
		return ErrRngFailure
	}
	return nil
}

// MustFill is like Fill but panics on failure. It is the preferred entry
// point anywhere key material is being generated, since spec treats RNG
// failure as fatal rather than recoverable.
func MustFill(buffer []byte) {
	if err := Fill(buffer); err != nil {
		panic(err)
	}
}
