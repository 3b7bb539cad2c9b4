package dht

import (
	"net"
	"sync"
	"time"
)

// TopicHash identifies a rendezvous set in the peer store — also called
// info_hash in the protocol payloads.
type TopicHash [32]byte

// MaxPeersPerTopic bounds how many peers a single topic entry will hold.
const MaxPeersPerTopic = 32

// PeerInfo is one announced peer under a topic.
type PeerInfo struct {
	IP       net.IP
	Port     uint16
	LastSeen time.Time
}

type topicEntry struct {
	peers []PeerInfo
}

// TopicPeerStore maps topic hashes to bounded, TTL-expiring peer lists.
// Grounded on the upsert/append-if-room/drop-if-full/TTL-sweep semantics
// of the original storage implementation this protocol descends from: a
// single mutex guards the whole map, never held across I/O.
type TopicPeerStore struct {
	mu     sync.Mutex
	topics map[TopicHash]*topicEntry
	tp     TimeProvider
}

// NewTopicPeerStore creates an empty store.
func NewTopicPeerStore() *TopicPeerStore {
	return &TopicPeerStore{
		topics: make(map[TopicHash]*topicEntry),
		tp:     getDefaultTimeProvider(),
	}
}

// Store upserts a peer under topic: refreshes last_seen if the peer is
// already announced, appends it if the topic has room, or silently drops
// the announcement if the topic's peer list is already full.
func (s *TopicPeerStore) Store(topic TopicHash, ip net.IP, port uint16) {
	now := s.tp.Now()
	ip = ip.To4()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.topics[topic]
	if !ok {
		entry = &topicEntry{}
		s.topics[topic] = entry
	}

	for i, p := range entry.peers {
		if p.IP.Equal(ip) && p.Port == port {
			entry.peers[i].LastSeen = now
			return
		}
	}

	if len(entry.peers) >= MaxPeersPerTopic {
		return
	}

	entry.peers = append(entry.peers, PeerInfo{IP: ip, Port: port, LastSeen: now})
}

// Get copies up to max peers out of topic's current list.
func (s *TopicPeerStore) Get(topic TopicHash, max int) []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.topics[topic]
	if !ok {
		return nil
	}

	n := len(entry.peers)
	if max > 0 && n > max {
		n = max
	}
	out := make([]PeerInfo, n)
	copy(out, entry.peers[:n])
	return out
}

// Cleanup removes peers whose last_seen predates ttl and deletes any
// topic entry left empty afterward.
func (s *TopicPeerStore) Cleanup(ttl time.Duration) {
	now := s.tp.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, entry := range s.topics {
		kept := entry.peers[:0]
		for _, p := range entry.peers {
			if now.Sub(p.LastSeen) <= ttl {
				kept = append(kept, p)
			}
		}
		entry.peers = kept
		if len(entry.peers) == 0 {
			delete(s.topics, topic)
		}
	}
}
