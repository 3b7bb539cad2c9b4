// Package node wires the DHT protocol engine, the UDX reliable transport,
// the Noise-XX handshake, and the hole-punch driver onto one UDP socket.
// It owns the node's identity keys and is the only component that decides
// how an inbound datagram's first byte gets interpreted.
package node

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/overlay/crypto"
	"github.com/opd-ai/overlay/dht"
	"github.com/opd-ai/overlay/noise"
	"github.com/opd-ai/overlay/transport"
	"github.com/opd-ai/overlay/udx"
	"github.com/sirupsen/logrus"
)

// BootstrapPeer is a well-known address tried when a join has no locally
// known contacts to seed from.
type BootstrapPeer struct {
	IP   net.IP
	Port uint16
}

// LookupActivityWindow bounds how long an active topic lookup survives
// without a FOUND_NODES response before Tick expires it.
const LookupActivityWindow = 5 * time.Second

// JoinFanout is how many known contacts a join seeds FIND_NODE and a
// handshake attempt to.
const JoinFanout = 8

var ErrAlreadyStarted = errors.New("node: already started")

// Identity holds a node's two long-lived keypairs: the Ed25519 signing
// pair (whose public half is the Kademlia NodeId) and the X25519 static
// pair used by the Noise handshake.
type Identity struct {
	SigningSeed   [32]byte
	SigningPublic dht.NodeId
	StaticPrivate [32]byte
	StaticPublic  [32]byte
}

// GenerateIdentity draws a fresh identity from the secure RNG.
func GenerateIdentity() (*Identity, error) {
	var seed [32]byte
	if err := crypto.Fill(seed[:]); err != nil {
		return nil, fmt.Errorf("node: generate signing seed: %w", err)
	}

	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("node: generate static keypair: %w", err)
	}

	return &Identity{
		SigningSeed:   seed,
		SigningPublic: dht.NodeId(crypto.PublicKeyFromSeed(seed)),
		StaticPrivate: static.Private,
		StaticPublic:  static.Public,
	}, nil
}

type peerHandshake struct {
	hs   *noise.Handshake
	ip   net.IP
	port uint16
}

// Node is a running overlay node: one UDP socket, one identity, one
// routing table and topic store, and the in-progress handshakes, UDX
// connections, and hole-punch sessions keyed by peer address.
type Node struct {
	mu sync.Mutex

	identity *Identity
	reactor  *transport.Reactor
	routing  *dht.RoutingTable
	topics   *dht.TopicPeerStore
	engine   *dht.Engine

	bootstrap []BootstrapPeer

	handshakes map[string]*peerHandshake
	udxConns   map[string]*udx.Conn
	punchers   map[string]*transport.HolePuncher

	activeTopic    *dht.TopicHash
	lookupActivity time.Time

	logger *logrus.Entry
}

func peerKey(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

// CreateNode allocates identity keys, opens the UDP socket (port 0 picks
// an OS-assigned port), and wires the DHT engine to it. The socket's read
// loop is already running when CreateNode returns, so the node answers
// DHT queries and handshakes at once; the host's on-packet callback and
// periodic Tick calls add event delivery, retransmission, hole-punch
// probing, and lookup expiry.
func CreateNode(listenAddr string, bootstrap []BootstrapPeer) (*Node, uint16, error) {
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, 0, err
	}

	reactor, err := transport.NewReactor(listenAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("node: open socket: %w", err)
	}

	routing := dht.NewRoutingTable(identity.SigningPublic)
	topics := dht.NewTopicPeerStore()

	engine, err := dht.NewEngine(identity.SigningPublic, identity.SigningSeed, routing, topics, reactor)
	if err != nil {
		reactor.Close()
		return nil, 0, fmt.Errorf("node: create protocol engine: %w", err)
	}

	n := &Node{
		identity:   identity,
		reactor:    reactor,
		routing:    routing,
		topics:     topics,
		engine:     engine,
		bootstrap:  bootstrap,
		handshakes: make(map[string]*peerHandshake),
		udxConns:   make(map[string]*udx.Conn),
		punchers:   make(map[string]*transport.HolePuncher),
		logger:     logrus.WithField("component", "node.Node"),
	}

	reactor.SetHandler(n.handleInbound)

	return n, reactor.LocalPort(), nil
}

// SetNetworkKey enables or disables ChaCha20 wrapping of DHT frames.
func (n *Node) SetNetworkKey(key *[32]byte) {
	n.engine.SetNetworkKey(key)
}

// SetOnPacket installs the host event callback for validated DHT packets.
func (n *Node) SetOnPacket(cb func(dht.PacketEvent)) {
	n.engine.SetOnPacket(cb)
}

// Identity returns the node's keys.
func (n *Node) Identity() *Identity {
	return n.identity
}

// NodeId returns the local Kademlia identifier.
func (n *Node) NodeId() dht.NodeId {
	return n.identity.SigningPublic
}

// Ping, FindNode, AnnouncePeer, GetPeers, and SendRaw forward directly to
// the DHT protocol engine — thin host-API wrappers per the external
// interface surface.
func (n *Node) Ping(ip net.IP, port uint16) error { return n.engine.Ping(ip, port) }

func (n *Node) FindNode(ip net.IP, port uint16, target dht.NodeId) error {
	return n.engine.FindNode(ip, port, target)
}

func (n *Node) AnnouncePeer(ip net.IP, port uint16, infoHash dht.TopicHash, announcedPort uint16) error {
	return n.engine.AnnouncePeer(ip, port, infoHash, announcedPort)
}

func (n *Node) GetPeers(ip net.IP, port uint16, infoHash dht.TopicHash) error {
	return n.engine.GetPeers(ip, port, infoHash)
}

func (n *Node) SendRaw(ip net.IP, port uint16, msgType dht.MessageType, payload []byte) error {
	return n.engine.SendRaw(ip, port, msgType, payload)
}

// StorageCleanup sweeps the topic store for stale announcements.
func (n *Node) StorageCleanup(ttl time.Duration) {
	n.topics.Cleanup(ttl)
}

// DumpRoutingTable returns a per-bucket snapshot for diagnostics.
func (n *Node) DumpRoutingTable() [256][]dht.Contact {
	return n.routing.Dump()
}

// Join marks topic as the active lookup target, seeds FIND_NODE and a
// handshake attempt to up to JoinFanout known closest contacts, and
// starts a hole-punch session toward each. With no known contacts it
// falls back to the configured bootstrap addresses.
func (n *Node) Join(topic dht.TopicHash) error {
	n.mu.Lock()
	n.activeTopic = &topic
	n.lookupActivity = time.Now()
	n.mu.Unlock()

	n.engine.StartLookup(dht.NodeId(topic))

	contacts := n.routing.FindClosest(dht.NodeId(topic), JoinFanout)

	if len(contacts) == 0 {
		for _, bp := range n.bootstrap {
			n.seedPeer(bp.IP, bp.Port, dht.NodeId(topic))
		}
		return nil
	}

	for _, c := range contacts {
		n.seedPeer(c.IP, c.Port, dht.NodeId(topic))
	}
	return nil
}

func (n *Node) seedPeer(ip net.IP, port uint16, target dht.NodeId) {
	if err := n.engine.FindNode(ip, port, target); err != nil {
		n.logger.WithError(err).Debug("join: failed to send seed FIND_NODE")
	}
	if err := n.startHandshake(ip, port); err != nil {
		n.logger.WithError(err).Debug("join: failed to start handshake")
	}
	n.startPunch(ip, port)
}

// Leave clears the active topic lookup.
func (n *Node) Leave() {
	n.mu.Lock()
	n.activeTopic = nil
	n.mu.Unlock()
	n.engine.StopLookup()
}

// Tick drives retransmission, hole-punch probing, and lookup expiry. The
// host calls this periodically from its own thread or poll loop.
func (n *Node) Tick() {
	n.engine.ExpireLookup(LookupActivityWindow)

	n.mu.Lock()
	conns := make([]*udx.Conn, 0, len(n.udxConns))
	for _, c := range n.udxConns {
		conns = append(conns, c)
	}
	punchers := make([]*transport.HolePuncher, 0, len(n.punchers))
	for _, p := range n.punchers {
		punchers = append(punchers, p)
	}
	n.mu.Unlock()

	for _, c := range conns {
		c.Tick()
	}
	for _, p := range punchers {
		p.Tick()
	}
}

func (n *Node) startHandshake(ip net.IP, port uint16) error {
	key := peerKey(ip, port)

	n.mu.Lock()
	if _, exists := n.handshakes[key]; exists {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	hs, err := noise.NewHandshake(n.identity.StaticPrivate, noise.Initiator)
	if err != nil {
		return fmt.Errorf("node: create handshake: %w", err)
	}
	msg1, err := hs.Start()
	if err != nil {
		return fmt.Errorf("node: start handshake: %w", err)
	}

	n.mu.Lock()
	n.handshakes[key] = &peerHandshake{hs: hs, ip: ip, port: port}
	n.mu.Unlock()

	if err := n.reactor.Send(ip, port, msg1); err != nil {
		return fmt.Errorf("node: send handshake message 1: %w", err)
	}
	return nil
}

func (n *Node) startPunch(ip net.IP, port uint16) {
	key := peerKey(ip, port)

	n.mu.Lock()
	puncher, exists := n.punchers[key]
	if !exists {
		puncher = transport.NewHolePuncher(n.reactor)
		n.punchers[key] = puncher
	}
	n.mu.Unlock()

	puncher.Start(ip, port)
}

// handleInbound is the reactor's single dispatch point. A handshake in
// progress with the sender takes priority over the generic first-byte
// range split for datagrams of a handshake reply's exact length
// (Message2Len or Message3Len), since handshake stage tags (0x01-0x03)
// numerically collide with DHT PONG/FIND_NODE/FOUND_NODES. Datagrams of
// any other length from that sender (DHT frames, hole-punch probes) take
// the normal path and leave the handshake untouched.
func (n *Node) handleInbound(data []byte, ip net.IP, port uint16) {
	if len(data) == 0 {
		return
	}
	key := peerKey(ip, port)

	n.mu.Lock()
	if p, ok := n.punchers[key]; ok {
		n.mu.Unlock()
		p.HandleInbound(ip, port)
	} else {
		n.mu.Unlock()
	}

	n.mu.Lock()
	ph, handshaking := n.handshakes[key]
	n.mu.Unlock()

	if handshaking && !ph.hs.IsEstablished() && (len(data) == noise.Message2Len || len(data) == noise.Message3Len) {
		n.advanceHandshake(ph, data)
		return
	}

	// A datagram too short to be a signed DHT frame but matching a
	// handshake message's exact length and stage tag is a brand-new
	// handshake attempt, not a malformed DHT packet — the DHT header
	// alone is 105 bytes, well past any handshake message.
	if !handshaking && len(data) == noise.Message1Len && data[0] == noise.StageInitEphemeral {
		n.acceptHandshake(ip, port, data)
		return
	}

	if data[0] < 0x80 {
		n.engine.HandleInbound(ip, port, data)
		return
	}

	n.dispatchUDX(ip, port, data)
}

func (n *Node) acceptHandshake(ip net.IP, port uint16, msg1 []byte) {
	hs, err := noise.NewHandshake(n.identity.StaticPrivate, noise.Responder)
	if err != nil {
		n.logger.WithError(err).Debug("handshake: failed to create responder state")
		return
	}
	ph := &peerHandshake{hs: hs, ip: ip, port: port}

	n.mu.Lock()
	n.handshakes[peerKey(ip, port)] = ph
	n.mu.Unlock()

	n.advanceResponderHandshake(ph, msg1)
}

func (n *Node) advanceHandshake(ph *peerHandshake, data []byte) {
	switch ph.hs.Role() {
	case noise.Responder:
		n.advanceResponderHandshake(ph, data)
	case noise.Initiator:
		n.advanceInitiatorHandshake(ph, data)
	}
}

func (n *Node) advanceResponderHandshake(ph *peerHandshake, data []byte) {
	switch ph.hs.State() {
	case noise.StateNone:
		msg2, err := ph.hs.ReadMessage1(data)
		if err != nil {
			n.logger.WithError(err).Debug("handshake: rejecting message 1")
			n.dropHandshake(ph)
			return
		}
		if err := n.reactor.Send(ph.ip, ph.port, msg2); err != nil {
			n.logger.WithError(err).Debug("handshake: failed to send message 2")
		}
	case noise.StateSentStatic:
		if err := ph.hs.ReadMessage3(data); err != nil {
			n.logger.WithError(err).Debug("handshake: rejecting message 3")
			n.dropHandshake(ph)
			return
		}
		n.completeHandshake(ph)
	}
}

func (n *Node) advanceInitiatorHandshake(ph *peerHandshake, data []byte) {
	if ph.hs.State() != noise.StateSentEphemeral {
		return
	}
	msg3, err := ph.hs.ReadMessage2(data)
	if err != nil {
		n.logger.WithError(err).Debug("handshake: rejecting message 2")
		n.dropHandshake(ph)
		return
	}
	if err := n.reactor.Send(ph.ip, ph.port, msg3); err != nil {
		n.logger.WithError(err).Debug("handshake: failed to send message 3")
		return
	}
	n.completeHandshake(ph)
}

func (n *Node) completeHandshake(ph *peerHandshake) {
	key := peerKey(ph.ip, ph.port)
	conn := udx.NewConn(newConnID(), n.reactor, ph.ip, ph.port)
	tx, rx := ph.hs.TxKey, ph.hs.RxKey
	conn.SetKeys(&tx, &rx)

	n.mu.Lock()
	n.udxConns[key] = conn
	delete(n.handshakes, key)
	n.mu.Unlock()
}

func (n *Node) dropHandshake(ph *peerHandshake) {
	key := peerKey(ph.ip, ph.port)
	n.mu.Lock()
	delete(n.handshakes, key)
	n.mu.Unlock()
}

func (n *Node) dispatchUDX(ip net.IP, port uint16, data []byte) {
	key := peerKey(ip, port)

	n.mu.Lock()
	conn, exists := n.udxConns[key]
	n.mu.Unlock()

	if !exists {
		if len(data) < udx.HeaderSize {
			return
		}
		conn = udx.NewConn(newConnID(), n.reactor, ip, port)
		n.mu.Lock()
		n.udxConns[key] = conn
		n.mu.Unlock()
	}

	if err := conn.HandleInbound(data); err != nil {
		n.logger.WithError(err).Debug("udx: dropping inbound segment")
	}
}

var connIDCounter struct {
	mu   sync.Mutex
	next uint32
}

// newConnID hands out locally-unique connection identifiers. It isn't
// cryptographically random — conn_id only needs to disambiguate this
// node's own concurrent UDX sessions, not resist guessing.
func newConnID() uint32 {
	connIDCounter.mu.Lock()
	defer connIDCounter.mu.Unlock()
	connIDCounter.next++
	return connIDCounter.next
}

// Close shuts down the UDP socket.
func (n *Node) Close() error {
	return n.reactor.Close()
}
