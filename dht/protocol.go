package dht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/overlay/crypto"
	"github.com/sirupsen/logrus"
)

// MessageType identifies a DHT wire message.
type MessageType uint8

const (
	MsgPing MessageType = iota
	MsgPong
	MsgFindNode
	MsgFoundNodes
	MsgAnnouncePeer
	MsgGetPeers
	MsgPeers
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgFindNode:
		return "FIND_NODE"
	case MsgFoundNodes:
		return "FOUND_NODES"
	case MsgAnnouncePeer:
		return "ANNOUNCE_PEER"
	case MsgGetPeers:
		return "GET_PEERS"
	case MsgPeers:
		return "PEERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// HeaderSize is the packed wire header: type(1) + sender_pk(32) +
// timestamp(8, LE ms) + signature(64).
const HeaderSize = 1 + 32 + 8 + 64

// ReplayWindow is the advisory freshness bound on inbound timestamps.
// Enforcement is a SHOULD, not a MUST — see the design notes on replay
// policy: packets outside the window are logged, not dropped.
const ReplayWindow = 60 * time.Second

// K is the number of closest contacts returned by lookups and responses.
const K = BucketSize

// Sentinel errors for the DHT wire protocol.
var (
	ErrTooShort     = errors.New("dht: packet too short")
	ErrBadType      = errors.New("dht: unknown message type")
	ErrBadSignature = errors.New("dht: signature verification failed")
	ErrUnsignedNode = errors.New("dht: node has no signing key configured")
)

// Sender delivers a raw frame to an IPv4 address; it is satisfied by the
// UDP reactor (component E).
type Sender interface {
	Send(ip net.IP, port uint16, data []byte) error
}

// FoundNode is one entry of a FOUND_NODES payload.
type FoundNode struct {
	ID   NodeId
	IP   net.IP
	Port uint16
}

// PeerAddr is one entry of a PEERS payload.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

// PacketEvent is the host callback surface: one emission per fully
// validated inbound packet, never more.
type PacketEvent struct {
	SenderID  NodeId
	Type      MessageType
	IP        net.IP
	Port      uint16
	Payload   interface{} // []FoundNode, []PeerAddr, or []byte depending on Type
	Signature [64]byte
}

// Engine is the DHT protocol engine: it parses and emits the seven DHT
// message types, keeps the routing table and topic store current, and
// drives iterative FIND_NODE lookups. Exactly one Sender and one host
// callback are wired in; everything else is owned by the engine.
type Engine struct {
	localID    NodeId
	signSeed   [32]byte
	routing    *RoutingTable
	topics     *TopicPeerStore
	networkKey *[32]byte
	sender     Sender
	onPacket   func(PacketEvent)
	tp         TimeProvider

	lookup *lookupState
}

type lookupState struct {
	target       NodeId
	lastActivity time.Time
}

// NewEngine constructs a protocol engine. signSeed is the Ed25519 seed
// whose public key is localID; an all-zero seed is refused — an
// unsignable node is misconfigured, not a degraded mode the engine
// silently tolerates with dummy signatures.
func NewEngine(localID NodeId, signSeed [32]byte, routing *RoutingTable, topics *TopicPeerStore, sender Sender) (*Engine, error) {
	var zero [32]byte
	if signSeed == zero {
		return nil, ErrUnsignedNode
	}
	return &Engine{
		localID:  localID,
		signSeed: signSeed,
		routing:  routing,
		topics:   topics,
		sender:   sender,
		onPacket: func(PacketEvent) {},
		tp:       getDefaultTimeProvider(),
	}, nil
}

// SetNetworkKey enables (non-nil, non-zero) or disables (nil) the
// process-wide ChaCha20 wrapping of DHT frames.
func (e *Engine) SetNetworkKey(key *[32]byte) {
	if key != nil {
		var zero [32]byte
		if *key == zero {
			key = nil
		}
	}
	e.networkKey = key
}

// SetOnPacket installs the host event callback.
func (e *Engine) SetOnPacket(cb func(PacketEvent)) {
	if cb == nil {
		cb = func(PacketEvent) {}
	}
	e.onPacket = cb
}

// StartLookup marks target as the active iterative-lookup key, as driven
// by the orchestrator's Join.
func (e *Engine) StartLookup(target NodeId) {
	e.lookup = &lookupState{target: target, lastActivity: e.tp.Now()}
}

// StopLookup clears any active lookup.
func (e *Engine) StopLookup() {
	e.lookup = nil
}

// ExpireLookup clears the active lookup if it has been idle longer than
// maxIdle, matching the orchestrator's tick-driven 5s activity window.
func (e *Engine) ExpireLookup(maxIdle time.Duration) {
	if e.lookup != nil && e.tp.Since(e.lookup.lastActivity) > maxIdle {
		e.lookup = nil
	}
}

// buildFrame signs payload and optionally wraps it under the network
// key, returning a ready-to-send wire frame.
func (e *Engine) buildFrame(msgType MessageType, payload []byte) ([]byte, error) {
	tsWire, err := crypto.TimestampToWireMillis(e.tp.Now())
	if err != nil {
		return nil, fmt.Errorf("dht: encode timestamp: %w", err)
	}

	tsBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(tsBytes, tsWire)

	sigMsg := make([]byte, 0, 1+32+8+len(payload))
	sigMsg = append(sigMsg, byte(msgType))
	sigMsg = append(sigMsg, e.localID[:]...)
	sigMsg = append(sigMsg, tsBytes...)
	sigMsg = append(sigMsg, payload...)

	sig, err := crypto.Sign(sigMsg, e.signSeed)
	if err != nil {
		return nil, fmt.Errorf("dht: sign frame: %w", err)
	}

	frame := make([]byte, 0, HeaderSize+12+len(payload)+16)
	frame = append(frame, byte(msgType))
	frame = append(frame, e.localID[:]...)
	frame = append(frame, tsBytes...)
	frame = append(frame, sig[:]...)

	if e.networkKey != nil {
		var nonce [12]byte
		if err := crypto.Fill(nonce[:]); err != nil {
			return nil, fmt.Errorf("dht: generate frame nonce: %w", err)
		}
		ciphertext, err := crypto.ChaCha20Encrypt(*e.networkKey, nonce, 1, payload)
		if err != nil {
			return nil, fmt.Errorf("dht: encrypt frame: %w", err)
		}
		frame = append(frame, nonce[:]...)
		frame = append(frame, ciphertext...)
	} else {
		frame = append(frame, payload...)
	}

	return frame, nil
}

type parsedFrame struct {
	msgType   MessageType
	senderID  NodeId
	timestamp time.Time
	payload   []byte
	signature [64]byte
}

func (e *Engine) parseFrame(data []byte) (*parsedFrame, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooShort
	}

	msgType := MessageType(data[0])
	var senderID NodeId
	copy(senderID[:], data[1:33])
	tsWire := binary.LittleEndian.Uint64(data[33:41])
	var sig [64]byte
	copy(sig[:], data[41:105])

	ts, err := crypto.WireMillisToTimestamp(tsWire)
	if err != nil {
		return nil, fmt.Errorf("dht: decode timestamp: %w", err)
	}

	rest := data[HeaderSize:]
	var payload []byte
	if e.networkKey != nil {
		if len(rest) < 12 {
			return nil, ErrTooShort
		}
		var nonce [12]byte
		copy(nonce[:], rest[:12])
		payload, err = crypto.ChaCha20Decrypt(*e.networkKey, nonce, 1, rest[12:])
		if err != nil {
			return nil, fmt.Errorf("dht: decrypt frame: %w", err)
		}
	} else {
		payload = rest
	}

	sigMsg := make([]byte, 0, 1+32+8+len(payload))
	sigMsg = append(sigMsg, data[0])
	sigMsg = append(sigMsg, senderID[:]...)
	sigMsg = append(sigMsg, data[33:41]...)
	sigMsg = append(sigMsg, payload...)

	ok, err := crypto.Verify(sigMsg, crypto.Signature(sig), senderID)
	if err != nil || !ok {
		return nil, ErrBadSignature
	}

	return &parsedFrame{
		msgType:   msgType,
		senderID:  senderID,
		timestamp: ts,
		payload:   payload,
		signature: sig,
	}, nil
}

// send builds and transmits a message to ip:port.
func (e *Engine) send(ip net.IP, port uint16, msgType MessageType, payload []byte) error {
	frame, err := e.buildFrame(msgType, payload)
	if err != nil {
		return err
	}
	return e.sender.Send(ip, port, frame)
}

// Ping sends an empty PING.
func (e *Engine) Ping(ip net.IP, port uint16) error {
	return e.send(ip, port, MsgPing, nil)
}

// FindNode sends a FIND_NODE for target.
func (e *Engine) FindNode(ip net.IP, port uint16, target NodeId) error {
	return e.send(ip, port, MsgFindNode, target[:])
}

// AnnouncePeer sends an ANNOUNCE_PEER advertising announcedPort under
// infoHash.
func (e *Engine) AnnouncePeer(ip net.IP, port uint16, infoHash TopicHash, announcedPort uint16) error {
	payload := make([]byte, 34)
	copy(payload[:32], infoHash[:])
	binary.BigEndian.PutUint16(payload[32:], announcedPort)
	return e.send(ip, port, MsgAnnouncePeer, payload)
}

// GetPeers sends a GET_PEERS query for infoHash.
func (e *Engine) GetPeers(ip net.IP, port uint16, infoHash TopicHash) error {
	return e.send(ip, port, MsgGetPeers, infoHash[:])
}

// SendRaw emits an arbitrary message type with a caller-supplied payload,
// for host-driven diagnostics and extension.
func (e *Engine) SendRaw(ip net.IP, port uint16, msgType MessageType, payload []byte) error {
	return e.send(ip, port, msgType, payload)
}

func encodeNodeWire(n FoundNode) []byte {
	buf := make([]byte, 38)
	copy(buf[:32], n.ID[:])
	ip4 := n.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(buf[32:36], ip4)
	binary.BigEndian.PutUint16(buf[36:38], n.Port)
	return buf
}

func decodeNodeWire(buf []byte) FoundNode {
	var n FoundNode
	copy(n.ID[:], buf[:32])
	ip := make(net.IP, 4)
	copy(ip, buf[32:36])
	n.IP = ip
	n.Port = binary.BigEndian.Uint16(buf[36:38])
	return n
}

func encodePeerWire(p PeerAddr) []byte {
	buf := make([]byte, 6)
	ip4 := p.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	return buf
}

func decodePeerWire(buf []byte) PeerAddr {
	ip := make(net.IP, 4)
	copy(ip, buf[:4])
	return PeerAddr{IP: ip, Port: binary.BigEndian.Uint16(buf[4:6])}
}

func buildFoundNodesPayload(nodes []FoundNode) []byte {
	if len(nodes) > 255 {
		nodes = nodes[:255]
	}
	payload := make([]byte, 0, 1+len(nodes)*38)
	payload = append(payload, byte(len(nodes)))
	for _, n := range nodes {
		payload = append(payload, encodeNodeWire(n)...)
	}
	return payload
}

func buildPeersPayload(infoHash TopicHash, peers []PeerAddr) []byte {
	if len(peers) > 255 {
		peers = peers[:255]
	}
	payload := make([]byte, 0, 33+len(peers)*6)
	payload = append(payload, infoHash[:]...)
	payload = append(payload, byte(len(peers)))
	for _, p := range peers {
		payload = append(payload, encodePeerWire(p)...)
	}
	return payload
}

// HandleInbound parses data from ip:port, refreshes the sender's routing
// table entry, dispatches to the matching handler, and emits exactly one
// host callback for a successfully validated packet. Parse and signature
// failures are logged at debug level and the frame is dropped silently,
// per the error-handling design: dropped packets are the normal failure
// mode at this layer.
func (e *Engine) HandleInbound(ip net.IP, port uint16, data []byte) {
	logger := logrus.WithFields(logrus.Fields{"component": "dht.Engine", "remote": fmt.Sprintf("%s:%d", ip, port)})

	frame, err := e.parseFrame(data)
	if err != nil {
		logger.WithError(err).Debug("dropping inbound DHT frame")
		return
	}

	if d := frame.timestamp.Sub(e.tp.Now()); d > ReplayWindow || -d > ReplayWindow {
		logger.WithFields(logrus.Fields{
			"timestamp": frame.timestamp,
			"skew":      d,
		}).Debug("inbound DHT frame outside replay window (advisory, not dropped)")
	}

	e.routing.Update(Contact{ID: frame.senderID, IP: ip, Port: port, LastSeen: e.tp.Now()})

	switch frame.msgType {
	case MsgPing:
		e.handlePing(ip, port)
		e.emit(frame, ip, port, nil)
	case MsgPong:
		e.emit(frame, ip, port, nil)
	case MsgFindNode:
		e.handleFindNode(ip, port, frame.payload)
		e.emit(frame, ip, port, nil)
	case MsgFoundNodes:
		nodes := e.handleFoundNodes(frame.payload)
		e.emit(frame, ip, port, nodes)
	case MsgAnnouncePeer:
		e.handleAnnouncePeer(ip, frame.payload)
		e.emit(frame, ip, port, nil)
	case MsgGetPeers:
		e.handleGetPeers(ip, port, frame.payload)
		e.emit(frame, ip, port, nil)
	case MsgPeers:
		peers := e.handlePeers(frame.payload)
		e.emit(frame, ip, port, peers)
	default:
		logger.WithField("type", frame.msgType).Debug("dropping DHT frame of unknown type")
	}
}

func (e *Engine) emit(frame *parsedFrame, ip net.IP, port uint16, payload interface{}) {
	if payload == nil {
		payload = frame.payload
	}
	e.onPacket(PacketEvent{
		SenderID:  frame.senderID,
		Type:      frame.msgType,
		IP:        ip,
		Port:      port,
		Payload:   payload,
		Signature: frame.signature,
	})
}

func (e *Engine) handlePing(ip net.IP, port uint16) {
	if err := e.send(ip, port, MsgPong, nil); err != nil {
		logrus.WithError(err).Debug("dht: failed to reply PONG")
	}
}

func (e *Engine) handleFindNode(ip net.IP, port uint16, payload []byte) {
	if len(payload) < 32 {
		return
	}
	var target NodeId
	copy(target[:], payload[:32])

	closest := e.routing.FindClosest(target, K)
	nodes := make([]FoundNode, 0, len(closest))
	for _, c := range closest {
		nodes = append(nodes, FoundNode{ID: c.ID, IP: c.IP, Port: c.Port})
	}

	if err := e.send(ip, port, MsgFoundNodes, buildFoundNodesPayload(nodes)); err != nil {
		logrus.WithError(err).Debug("dht: failed to reply FOUND_NODES")
	}
}

func (e *Engine) handleFoundNodes(payload []byte) []FoundNode {
	if len(payload) < 1 {
		return nil
	}
	count := int(payload[0])
	rest := payload[1:]
	if len(rest) < count*38 {
		return nil
	}

	nodes := make([]FoundNode, 0, count)
	for i := 0; i < count; i++ {
		n := decodeNodeWire(rest[i*38 : (i+1)*38])
		nodes = append(nodes, n)

		if n.ID == e.localID {
			continue
		}
		e.routing.Update(Contact{ID: n.ID, IP: n.IP, Port: n.Port, LastSeen: e.tp.Now()})

		if e.lookup != nil {
			e.lookup.lastActivity = e.tp.Now()
			if err := e.FindNode(n.IP, n.Port, e.lookup.target); err != nil {
				logrus.WithError(err).Debug("dht: failed to continue iterative lookup")
			}
		}
	}
	return nodes
}

func (e *Engine) handleAnnouncePeer(senderIP net.IP, payload []byte) {
	if len(payload) < 34 {
		return
	}
	var infoHash TopicHash
	copy(infoHash[:], payload[:32])
	port := binary.BigEndian.Uint16(payload[32:34])

	e.topics.Store(infoHash, senderIP, port)
}

func (e *Engine) handleGetPeers(ip net.IP, port uint16, payload []byte) {
	if len(payload) < 32 {
		return
	}
	var infoHash TopicHash
	copy(infoHash[:], payload[:32])

	peerInfos := e.topics.Get(infoHash, MaxPeersPerTopic)
	if len(peerInfos) > 0 {
		peers := make([]PeerAddr, 0, len(peerInfos))
		for _, p := range peerInfos {
			peers = append(peers, PeerAddr{IP: p.IP, Port: p.Port})
		}
		if err := e.send(ip, port, MsgPeers, buildPeersPayload(infoHash, peers)); err != nil {
			logrus.WithError(err).Debug("dht: failed to reply PEERS")
		}
		return
	}

	closest := e.routing.FindClosest(NodeId(infoHash), K)
	nodes := make([]FoundNode, 0, len(closest))
	for _, c := range closest {
		nodes = append(nodes, FoundNode{ID: c.ID, IP: c.IP, Port: c.Port})
	}
	if err := e.send(ip, port, MsgFoundNodes, buildFoundNodesPayload(nodes)); err != nil {
		logrus.WithError(err).Debug("dht: failed to reply FOUND_NODES (no peers known)")
	}
}

func (e *Engine) handlePeers(payload []byte) []PeerAddr {
	if len(payload) < 33 {
		return nil
	}
	count := int(payload[32])
	rest := payload[33:]
	if len(rest) < count*6 {
		return nil
	}

	peers := make([]PeerAddr, 0, count)
	for i := 0; i < count; i++ {
		peers = append(peers, decodePeerWire(rest[i*6:(i+1)*6]))
	}
	return peers
}
