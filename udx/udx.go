// Package udx implements a minimal reliable datagram transport layered on
// top of a single shared UDP socket. Segment types occupy the high byte
// range (0x80-0xFF) so a socket carrying both DHT frames and UDX segments
// can tell them apart by inspecting the first byte alone — anything below
// 0x80 belongs to the DHT wire protocol instead.
package udx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/overlay/crypto"
	"github.com/sirupsen/logrus"
)

// SegmentType is the first byte of every UDX segment.
type SegmentType uint8

const (
	TypeData      SegmentType = 0x80
	TypeAck       SegmentType = 0x81
	TypeSyn       SegmentType = 0x82
	TypeFin       SegmentType = 0x83
	TypeHolepunch SegmentType = 0x84
)

func (t SegmentType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeSyn:
		return "SYN"
	case TypeFin:
		return "FIN"
	case TypeHolepunch:
		return "HOLEPUNCH"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

func (t SegmentType) reliable() bool {
	return t == TypeData || t == TypeSyn || t == TypeFin
}

// IsUDXSegment reports whether the first byte of a datagram falls in
// UDX's range, as opposed to the DHT wire protocol's.
func IsUDXSegment(firstByte byte) bool {
	return firstByte >= 0x80
}

// HeaderSize is the packed wire header: type(1) + conn_id(4) + seq(4) +
// ack(4), all little-endian — matching the byte layout the segment's
// native in-memory struct already has, so no explicit host/network
// conversion happens for these fields (unlike the IP/port fields used
// elsewhere, which do need it).
const HeaderSize = 1 + 4 + 4 + 4

// MaxPendingSegments bounds the retransmit table per connection.
const MaxPendingSegments = 32

// BaseRetransmitInterval and MaxRetries define the backoff schedule:
// 500ms, 1s, 2s, 4s, 8s, then drop.
const (
	BaseRetransmitInterval = 500 * time.Millisecond
	MaxRetries             = 5
)

var (
	ErrTooShort       = errors.New("udx: segment too short")
	ErrPendingFull    = errors.New("udx: pending table full")
	ErrPayloadTooLong = errors.New("udx: payload exceeds maximum segment size")
)

// MaxPayloadSize bounds a single segment's plaintext payload.
const MaxPayloadSize = 1024

// Sender transmits a raw datagram; satisfied by transport.Reactor.
type Sender interface {
	Send(ip net.IP, port uint16, data []byte) error
}

// TimeProvider abstracts time for deterministic retransmit tests.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// SegmentEvent is delivered once per successfully parsed inbound segment.
type SegmentEvent struct {
	Type    SegmentType
	Seq     uint32
	Payload []byte
}

type pendingSegment struct {
	seq      uint32
	frame    []byte
	destIP   net.IP
	destPort uint16
	sentAt   time.Time
	retries  int
}

// Conn is one reliable UDX connection to a single remote address,
// identified by a locally-assigned connection id.
type Conn struct {
	mu sync.Mutex

	connID     uint32
	remoteIP   net.IP
	remotePort uint16

	nextSeq uint32
	lastAck uint32

	txKey  *[32]byte
	rxKey  *[32]byte
	sender Sender
	tp     TimeProvider

	pending [MaxPendingSegments]*pendingSegment
	onEvent func(SegmentEvent)
	closed  bool
	logger  *logrus.Entry
}

// NewConn creates a UDX connection to remoteIP:remotePort, identified on
// the wire by connID (the caller picks this — a locally-unique handle,
// not negotiated with the peer).
func NewConn(connID uint32, sender Sender, remoteIP net.IP, remotePort uint16) *Conn {
	return &Conn{
		connID:     connID,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		nextSeq:    1,
		sender:     sender,
		tp:         defaultTimeProvider{},
		onEvent:    func(SegmentEvent) {},
		logger:     logrus.WithField("component", "udx.Conn"),
	}
}

// SetKeys enables (non-nil) or disables (nil) secretbox encryption of
// segment payloads. txKey encrypts outbound segments, rxKey decrypts
// inbound ones — the handshake derives these as distinct directional
// keys, so callers must not pass the same key for both ends of a
// connection.
func (c *Conn) SetKeys(txKey, rxKey *[32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txKey = txKey
	c.rxKey = rxKey
}

// SetOnEvent installs the inbound segment callback.
func (c *Conn) SetOnEvent(cb func(SegmentEvent)) {
	if cb == nil {
		cb = func(SegmentEvent) {}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = cb
}

// SetTimeProvider overrides the time source, for tests.
func (c *Conn) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tp = tp
}

func seqNonce(seq uint32) crypto.Nonce {
	var nonce crypto.Nonce
	binary.LittleEndian.PutUint32(nonce[:4], seq)
	return nonce
}

func encodeHeader(segType SegmentType, connID, seq, ack uint32) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(segType)
	binary.LittleEndian.PutUint32(buf[1:5], connID)
	binary.LittleEndian.PutUint32(buf[5:9], seq)
	binary.LittleEndian.PutUint32(buf[9:13], ack)
	return buf
}

func decodeHeader(data []byte) (segType SegmentType, connID, seq, ack uint32) {
	segType = SegmentType(data[0])
	connID = binary.LittleEndian.Uint32(data[1:5])
	seq = binary.LittleEndian.Uint32(data[5:9])
	ack = binary.LittleEndian.Uint32(data[9:13])
	return
}

// send builds and transmits one segment, tracking it for retransmission
// if its type requires reliability.
func (c *Conn) send(segType SegmentType, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLong
	}

	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	ack := c.lastAck
	key := c.txKey
	c.mu.Unlock()

	body := payload
	if key != nil && len(payload) > 0 {
		ciphertext, err := crypto.EncryptSymmetric(payload, seqNonce(seq), *key)
		if err != nil {
			return fmt.Errorf("udx: encrypt segment: %w", err)
		}
		body = ciphertext
	}

	frame := append(encodeHeader(segType, c.connID, seq, ack), body...)

	if err := c.sender.Send(c.remoteIP, c.remotePort, frame); err != nil {
		return fmt.Errorf("udx: send segment: %w", err)
	}

	if segType.reliable() {
		if err := c.trackPending(seq, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) trackPending(seq uint32, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, slot := range c.pending {
		if slot == nil {
			c.pending[i] = &pendingSegment{
				seq:      seq,
				frame:    frame,
				destIP:   c.remoteIP,
				destPort: c.remotePort,
				sentAt:   c.tp.Now(),
			}
			return nil
		}
	}
	return ErrPendingFull
}

// sendAck transmits an unreliable ACK for ackSeq. ACKs don't consume a
// sequence number of their own.
func (c *Conn) sendAck(ackSeq uint32) {
	c.mu.Lock()
	seq := c.nextSeq
	c.mu.Unlock()

	frame := encodeHeader(TypeAck, c.connID, seq, ackSeq)
	if err := c.sender.Send(c.remoteIP, c.remotePort, frame); err != nil {
		c.logger.WithError(err).Debug("failed to send ACK")
	}
}

// SendData sends a reliable DATA segment.
func (c *Conn) SendData(payload []byte) error {
	return c.send(TypeData, payload)
}

// SendSyn opens the connection.
func (c *Conn) SendSyn() error {
	return c.send(TypeSyn, nil)
}

// SendFin closes the connection.
func (c *Conn) SendFin() error {
	return c.send(TypeFin, nil)
}

// SendHolepunch emits an unreliable NAT traversal probe inside the UDX
// segment space, for peers that have already exchanged connection ids.
func (c *Conn) SendHolepunch() error {
	return c.send(TypeHolepunch, nil)
}

// HandleInbound parses a UDX segment addressed to this connection. The
// caller is responsible for routing by conn_id and by the 0x80 high-bit
// split between UDX and DHT traffic before calling this.
func (c *Conn) HandleInbound(data []byte) error {
	if len(data) < HeaderSize {
		return ErrTooShort
	}

	segType, _, seq, ack := decodeHeader(data)
	body := data[HeaderSize:]

	if segType == TypeAck {
		c.acknowledge(ack)
		return nil
	}

	c.mu.Lock()
	c.lastAck = seq
	key := c.rxKey
	c.mu.Unlock()

	if segType.reliable() {
		c.sendAck(seq)
	}

	payload := body
	if key != nil && len(body) > 0 {
		plaintext, err := crypto.DecryptSymmetric(body, seqNonce(seq), *key)
		if err != nil {
			return fmt.Errorf("udx: decrypt segment: %w", err)
		}
		payload = plaintext
	}

	c.mu.Lock()
	cb := c.onEvent
	c.mu.Unlock()
	cb(SegmentEvent{Type: segType, Seq: seq, Payload: payload})
	return nil
}

func (c *Conn) acknowledge(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, slot := range c.pending {
		if slot != nil && slot.seq == seq {
			c.pending[i] = nil
			return
		}
	}
}

// Tick drives retransmission: any pending segment whose backoff window
// has elapsed is resent, up to MaxRetries, after which it is dropped.
func (c *Conn) Tick() {
	c.mu.Lock()
	now := c.tp.Now()
	var toResend []*pendingSegment
	for i, slot := range c.pending {
		if slot == nil {
			continue
		}
		timeout := BaseRetransmitInterval * time.Duration(1<<uint(slot.retries))
		if now.Sub(slot.sentAt) < timeout {
			continue
		}
		if slot.retries >= MaxRetries {
			c.logger.WithField("seq", slot.seq).Debug("udx: segment dropped after max retries")
			c.pending[i] = nil
			continue
		}
		slot.retries++
		slot.sentAt = now
		toResend = append(toResend, slot)
	}
	c.mu.Unlock()

	for _, slot := range toResend {
		if err := c.sender.Send(slot.destIP, slot.destPort, slot.frame); err != nil {
			c.logger.WithError(err).WithField("seq", slot.seq).Debug("udx: retransmit failed")
		}
	}
}

// ConnID returns the connection's locally-assigned identifier.
func (c *Conn) ConnID() uint32 {
	return c.connID
}

// PendingCount reports how many reliable segments are awaiting ACK.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, slot := range c.pending {
		if slot != nil {
			n++
		}
	}
	return n
}
