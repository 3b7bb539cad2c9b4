package dht

import (
	"net"
	"testing"

	"github.com/opd-ai/overlay/crypto"
)

type capturingSender struct {
	sent [][]byte
	dest []string
}

func (s *capturingSender) Send(ip net.IP, port uint16, data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	s.sent = append(s.sent, frame)
	s.dest = append(s.dest, ip.String())
	return nil
}

func (s *capturingSender) last() []byte {
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func newTestEngine(t *testing.T) (*Engine, NodeId, *capturingSender) {
	t.Helper()
	var seed [32]byte
	if err := crypto.Fill(seed[:]); err != nil {
		t.Fatalf("Fill() failed: %v", err)
	}
	id := NodeId(crypto.PublicKeyFromSeed(seed))
	sender := &capturingSender{}
	engine, err := NewEngine(id, seed, NewRoutingTable(id), NewTopicPeerStore(), sender)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine, id, sender
}

func TestNewEngineRejectsUnsignedNode(t *testing.T) {
	var zero [32]byte
	_, err := NewEngine(NodeId{}, zero, NewRoutingTable(NodeId{}), NewTopicPeerStore(), &capturingSender{})
	if err != ErrUnsignedNode {
		t.Errorf("NewEngine() with zero seed = %v, want ErrUnsignedNode", err)
	}
}

func TestEnginePingPongRoundTrip(t *testing.T) {
	alice, aliceID, aliceSender := newTestEngine(t)
	bob, _, bobSender := newTestEngine(t)

	var bobEvents []PacketEvent
	bob.SetOnPacket(func(ev PacketEvent) { bobEvents = append(bobEvents, ev) })

	aliceIP := net.IPv4(10, 0, 0, 1)
	bobIP := net.IPv4(10, 0, 0, 2)

	if err := alice.Ping(bobIP, 4000); err != nil {
		t.Fatalf("Ping() failed: %v", err)
	}
	bob.HandleInbound(aliceIP, 3000, aliceSender.last())

	if len(bobEvents) != 1 || bobEvents[0].Type != MsgPing {
		t.Fatalf("bob did not observe a PING event: %+v", bobEvents)
	}
	if bobEvents[0].SenderID != aliceID {
		t.Errorf("PING sender id = %x, want %x", bobEvents[0].SenderID, aliceID)
	}
	if !bob.routing.Contains(aliceID) {
		t.Error("handling an inbound packet should add the sender to the routing table")
	}

	// Bob's PING handler should have replied with PONG on bobSender.
	if len(bobSender.sent) != 1 {
		t.Fatalf("bob sent %d frames, want 1 (the PONG reply)", len(bobSender.sent))
	}

	var aliceEvents []PacketEvent
	alice.SetOnPacket(func(ev PacketEvent) { aliceEvents = append(aliceEvents, ev) })
	alice.HandleInbound(bobIP, 4000, bobSender.last())
	if len(aliceEvents) != 1 || aliceEvents[0].Type != MsgPong {
		t.Fatalf("alice did not observe the PONG reply: %+v", aliceEvents)
	}
}

func TestEngineHandleInboundRejectsTamperedSignature(t *testing.T) {
	alice, _, aliceSender := newTestEngine(t)
	bob, _, _ := newTestEngine(t)

	var bobEvents []PacketEvent
	bob.SetOnPacket(func(ev PacketEvent) { bobEvents = append(bobEvents, ev) })

	if err := alice.Ping(net.IPv4(10, 0, 0, 2), 4000); err != nil {
		t.Fatalf("Ping() failed: %v", err)
	}

	frame := make([]byte, len(aliceSender.last()))
	copy(frame, aliceSender.last())
	frame[len(frame)-1] ^= 0xFF // flip a signature byte

	bob.HandleInbound(net.IPv4(10, 0, 0, 1), 3000, frame)
	if len(bobEvents) != 0 {
		t.Error("a tampered frame must not produce a PacketEvent")
	}
}

func TestEngineAnnounceAndGetPeersRoundTrip(t *testing.T) {
	announcer, _, announcerSender := newTestEngine(t)
	holder, _, holderSender := newTestEngine(t)
	seeker, _, seekerSender := newTestEngine(t)

	var topic TopicHash
	topic[0] = 0x42

	announcerIP := net.IPv4(10, 0, 0, 1)
	holderIP := net.IPv4(10, 0, 0, 2)
	seekerIP := net.IPv4(10, 0, 0, 3)

	if err := announcer.AnnouncePeer(holderIP, 5000, topic, 6000); err != nil {
		t.Fatalf("AnnouncePeer() failed: %v", err)
	}
	holder.HandleInbound(announcerIP, 4000, announcerSender.last())

	if got := holder.topics.Get(topic, 10); len(got) != 1 || got[0].Port != 6000 {
		t.Fatalf("holder's topic store after ANNOUNCE_PEER = %+v", got)
	}

	if err := seeker.GetPeers(holderIP, 5000, topic); err != nil {
		t.Fatalf("GetPeers() failed: %v", err)
	}
	var holderEvents []PacketEvent
	holder.SetOnPacket(func(ev PacketEvent) { holderEvents = append(holderEvents, ev) })
	holder.HandleInbound(seekerIP, 7000, seekerSender.last())
	if len(holderEvents) != 1 || holderEvents[0].Type != MsgGetPeers {
		t.Fatalf("holder did not observe GET_PEERS: %+v", holderEvents)
	}

	var seekerEvents []PacketEvent
	seeker.SetOnPacket(func(ev PacketEvent) { seekerEvents = append(seekerEvents, ev) })
	seeker.HandleInbound(holderIP, 5000, holderSender.last())
	if len(seekerEvents) != 1 || seekerEvents[0].Type != MsgPeers {
		t.Fatalf("seeker did not receive PEERS reply: %+v", seekerEvents)
	}
	peers, ok := seekerEvents[0].Payload.([]PeerAddr)
	if !ok || len(peers) != 1 || peers[0].Port != 6000 {
		t.Fatalf("PEERS payload = %+v", seekerEvents[0].Payload)
	}
}

func TestEngineFindNodeDrivesIterativeLookup(t *testing.T) {
	seeker, _, seekerSender := newTestEngine(t)
	relay, _, relaySender := newTestEngine(t)

	target := NodeId{0x99}
	seeker.StartLookup(target)

	knownIP := net.IPv4(10, 0, 0, 9)
	knownID := NodeId{0x77}
	relay.routing.Update(Contact{ID: knownID, IP: knownIP, Port: 8888})

	relayIP := net.IPv4(10, 0, 0, 2)
	seekerIP := net.IPv4(10, 0, 0, 1)

	if err := seeker.FindNode(relayIP, 5000, target); err != nil {
		t.Fatalf("FindNode() failed: %v", err)
	}
	relay.HandleInbound(seekerIP, 4000, seekerSender.last())

	if len(relaySender.sent) != 1 {
		t.Fatalf("relay sent %d frames, want 1 (FOUND_NODES)", len(relaySender.sent))
	}

	seeker.HandleInbound(relayIP, 5000, relaySender.last())

	// The FOUND_NODES handler should have re-issued FIND_NODE to the newly
	// learned contact, continuing the lookup.
	if len(seekerSender.sent) != 2 {
		t.Fatalf("seeker sent %d frames, want 2 (initial FIND_NODE + continuation)", len(seekerSender.sent))
	}
	if !seeker.routing.Contains(knownID) {
		t.Error("seeker should have learned the relayed contact")
	}
}
