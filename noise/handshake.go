// Package noise implements the overlay node's three-message XX handshake:
// a hand-rolled protocol, not a generic Noise Protocol Framework
// instantiation, because the wire format is fixed in shape (exactly three
// messages, explicit stage tags, secretbox-wrapped static keys) rather
// than negotiated from a pattern string. DH is X25519, the mixing hash is
// BLAKE2b-256.
package noise

import (
	"errors"
	"fmt"

	"github.com/opd-ai/overlay/crypto"
	"golang.org/x/crypto/blake2b"
)

// Role is which side of the handshake this instance plays.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// Stage tags are the first byte of every handshake message.
const (
	stageInitEphemeral byte = 0x01
	stageRespEphemeral byte = 0x02
	stageInitStatic    byte = 0x03
)

// State tracks handshake progress.
type State int

const (
	StateNone State = iota
	StateSentEphemeral
	StateSentStatic
	StateEstablished
)

var (
	ErrWrongRole     = errors.New("noise: method not valid for this role")
	ErrWrongState    = errors.New("noise: message not valid for current handshake state")
	ErrBadStageTag   = errors.New("noise: unexpected stage tag")
	ErrMessageShort  = errors.New("noise: handshake message too short")
	ErrAborted       = errors.New("noise: handshake aborted")
)

const (
	ephemeralMsgLen = 1 + 32
	wrappedKeyLen   = 32 + 16 // secretbox-sealed 32-byte key: ciphertext + Poly1305 tag
	respMsgLen      = 1 + 32 + wrappedKeyLen
	initStaticLen   = 1 + wrappedKeyLen
)

// Message1Len, Message2Len, and Message3Len are the exact wire sizes of
// the three handshake messages — all well under the DHT header's 105
// bytes, which callers can use to distinguish a handshake attempt from a
// DHT frame before either message type has been parsed.
const (
	Message1Len = ephemeralMsgLen
	Message2Len = respMsgLen
	Message3Len = initStaticLen
)

// StageInitEphemeral is message 1's stage-tag byte, exported so callers
// can recognize an inbound handshake attempt from a new peer.
const StageInitEphemeral = stageInitEphemeral

// Handshake drives one XX handshake instance from one side's perspective.
// A Handshake is used once; build a new one per connection attempt.
type Handshake struct {
	role Role

	staticPriv [32]byte
	staticPub  [32]byte

	ephPriv [32]byte
	ephPub  [32]byte

	remoteEphPub [32]byte
	remoteStatic [32]byte

	es [32]byte

	state State

	TxKey [32]byte
	RxKey [32]byte
}

func h(parts ...[]byte) [32]byte {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return blake2b.Sum256(buf)
}

// NewHandshake creates a handshake instance bound to a long-term static
// private key. staticPriv is clamped and its public counterpart derived
// the same way the rest of the module derives X25519 public keys.
func NewHandshake(staticPriv [32]byte, role Role) (*Handshake, error) {
	kp, err := crypto.FromSecretKey(staticPriv)
	if err != nil {
		return nil, fmt.Errorf("noise: derive static public key: %w", err)
	}
	return &Handshake{
		role:       role,
		staticPriv: staticPriv,
		staticPub:  kp.Public,
		state:      StateNone,
	}, nil
}

// Start generates the initiator's ephemeral keypair and returns message 1:
// 0x01 || E.
func (hs *Handshake) Start() ([]byte, error) {
	if hs.role != Initiator {
		return nil, ErrWrongRole
	}
	if hs.state != StateNone {
		return nil, ErrWrongState
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral keypair: %w", err)
	}
	hs.ephPriv = eph.Private
	hs.ephPub = eph.Public

	msg := make([]byte, 0, ephemeralMsgLen)
	msg = append(msg, stageInitEphemeral)
	msg = append(msg, hs.ephPub[:]...)

	hs.state = StateSentEphemeral
	return msg, nil
}

// ReadMessage1 is the responder's handling of message 1. It generates the
// responder's ephemeral keypair, derives ee, encrypts the responder's
// static key under H(ee), and returns message 2:
// 0x02 || E' || Enc(H(ee), S_resp).
func (hs *Handshake) ReadMessage1(msg []byte) ([]byte, error) {
	if hs.role != Responder {
		return nil, ErrWrongRole
	}
	if hs.state != StateNone {
		return nil, ErrWrongState
	}
	if len(msg) < ephemeralMsgLen {
		return nil, ErrMessageShort
	}
	if msg[0] != stageInitEphemeral {
		return nil, ErrBadStageTag
	}

	var initEphPub [32]byte
	copy(initEphPub[:], msg[1:33])

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral keypair: %w", err)
	}
	hs.ephPriv = eph.Private
	hs.ephPub = eph.Public
	hs.remoteEphPub = initEphPub

	ee, err := crypto.DeriveSharedSecret(initEphPub, hs.ephPriv)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("noise: derive ee: %w", err)
	}
	ks := h(ee[:])

	wrapped, err := crypto.EncryptSymmetric(hs.staticPub[:], crypto.ZeroNonce(), ks)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("noise: wrap responder static key: %w", err)
	}

	msg2 := make([]byte, 0, respMsgLen)
	msg2 = append(msg2, stageRespEphemeral)
	msg2 = append(msg2, hs.ephPub[:]...)
	msg2 = append(msg2, wrapped...)

	hs.state = StateSentStatic
	return msg2, nil
}

// ReadMessage2 is the initiator's handling of message 2. It derives ee
// symmetrically, decrypts the responder's static key, derives es, wraps
// its own static key under H(es), and returns message 3:
// 0x03 || Enc(H(es), S_init).
func (hs *Handshake) ReadMessage2(msg []byte) ([]byte, error) {
	if hs.role != Initiator {
		return nil, ErrWrongRole
	}
	if hs.state != StateSentEphemeral {
		return nil, ErrWrongState
	}
	if len(msg) < respMsgLen {
		return nil, ErrMessageShort
	}
	if msg[0] != stageRespEphemeral {
		return nil, ErrBadStageTag
	}

	var respEphPub [32]byte
	copy(respEphPub[:], msg[1:33])
	wrapped := msg[33:respMsgLen]

	ee, err := crypto.DeriveSharedSecret(respEphPub, hs.ephPriv)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("noise: derive ee: %w", err)
	}
	ks := h(ee[:])

	staticBytes, err := crypto.DecryptSymmetric(wrapped, crypto.ZeroNonce(), ks)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("%w: decrypt responder static key: %v", ErrAborted, err)
	}
	var respStatic [32]byte
	copy(respStatic[:], staticBytes)

	hs.remoteEphPub = respEphPub
	hs.remoteStatic = respStatic

	es, err := crypto.DeriveSharedSecret(respStatic, hs.ephPriv)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("noise: derive es: %w", err)
	}
	hs.es = es
	ks2 := h(es[:])

	wrappedStatic, err := crypto.EncryptSymmetric(hs.staticPub[:], crypto.ZeroNonce(), ks2)
	if err != nil {
		hs.abort()
		return nil, fmt.Errorf("noise: wrap initiator static key: %w", err)
	}

	msg3 := make([]byte, 0, initStaticLen)
	msg3 = append(msg3, stageInitStatic)
	msg3 = append(msg3, wrappedStatic...)

	hs.deriveSessionKeys()
	hs.state = StateEstablished
	return msg3, nil
}

// ReadMessage3 is the responder's handling of message 3: it derives es
// using its own static key and the initiator's ephemeral key, decrypts
// the initiator's static key, and completes the handshake.
func (hs *Handshake) ReadMessage3(msg []byte) error {
	if hs.role != Responder {
		return ErrWrongRole
	}
	if hs.state != StateSentStatic {
		return ErrWrongState
	}
	if len(msg) < initStaticLen {
		return ErrMessageShort
	}
	if msg[0] != stageInitStatic {
		return ErrBadStageTag
	}

	es, err := crypto.DeriveSharedSecret(hs.remoteEphPub, hs.staticPriv)
	if err != nil {
		hs.abort()
		return fmt.Errorf("noise: derive es: %w", err)
	}
	hs.es = es
	ks2 := h(es[:])

	staticBytes, err := crypto.DecryptSymmetric(msg[1:initStaticLen], crypto.ZeroNonce(), ks2)
	if err != nil {
		hs.abort()
		return fmt.Errorf("%w: decrypt initiator static key: %v", ErrAborted, err)
	}
	var initStatic [32]byte
	copy(initStatic[:], staticBytes)
	hs.remoteStatic = initStatic

	hs.deriveSessionKeys()
	hs.state = StateEstablished
	return nil
}

// deriveSessionKeys splits es into a pair of transport keys. The
// initiator transmits under k1 and receives under k2; the responder is
// the mirror image, so each side ends up with matching (tx, rx) pairs.
func (hs *Handshake) deriveSessionKeys() {
	k1 := h(hs.es[:], []byte("1"))
	k2 := h(hs.es[:], []byte("2"))

	if hs.role == Initiator {
		hs.TxKey = k1
		hs.RxKey = k2
	} else {
		hs.TxKey = k2
		hs.RxKey = k1
	}
}

func (hs *Handshake) abort() {
	hs.state = StateNone
	crypto.ZeroBytes(hs.ephPriv[:])
}

// IsEstablished reports whether tx/rx keys are ready for use.
func (hs *Handshake) IsEstablished() bool {
	return hs.state == StateEstablished
}

// Role reports which side of the handshake this instance plays.
func (hs *Handshake) Role() Role {
	return hs.role
}

// State reports the current handshake state.
func (hs *Handshake) State() State {
	return hs.state
}

// RemoteStaticKey returns the peer's static public key, available once
// the handshake has progressed far enough to have decrypted it (message 2
// for the initiator, message 3 for the responder).
func (hs *Handshake) RemoteStaticKey() ([32]byte, error) {
	var zero [32]byte
	if hs.remoteStatic == zero {
		return zero, ErrWrongState
	}
	return hs.remoteStatic, nil
}
