package dht

import (
	"net"
	"testing"
	"time"
)

type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time                  { return f.now }
func (f *fakeTime) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func newStoreWithClock(now time.Time) (*TopicPeerStore, *fakeTime) {
	ft := &fakeTime{now: now}
	return &TopicPeerStore{
		topics: make(map[TopicHash]*topicEntry),
		tp:     ft,
	}, ft
}

func TestTopicPeerStoreUpsertRefreshesLastSeen(t *testing.T) {
	store, clock := newStoreWithClock(time.Unix(1000, 0))
	var topic TopicHash
	topic[0] = 0xAA

	ip := net.IPv4(10, 0, 0, 1)
	store.Store(topic, ip, 9000)

	clock.now = clock.now.Add(time.Minute)
	store.Store(topic, ip, 9000)

	peers := store.Get(topic, 10)
	if len(peers) != 1 {
		t.Fatalf("Get() returned %d peers, want 1 (re-announce should refresh, not duplicate)", len(peers))
	}
	if !peers[0].LastSeen.Equal(clock.now) {
		t.Errorf("LastSeen = %v, want refreshed to %v", peers[0].LastSeen, clock.now)
	}
}

func TestTopicPeerStoreDropsWhenFull(t *testing.T) {
	store, _ := newStoreWithClock(time.Unix(0, 0))
	var topic TopicHash
	topic[0] = 0xBB

	for i := 0; i < MaxPeersPerTopic; i++ {
		store.Store(topic, net.IPv4(10, 0, 0, byte(i)), uint16(1000+i))
	}
	store.Store(topic, net.IPv4(192, 168, 1, 1), 9999)

	peers := store.Get(topic, MaxPeersPerTopic+10)
	if len(peers) != MaxPeersPerTopic {
		t.Errorf("Get() returned %d peers, want capped at %d", len(peers), MaxPeersPerTopic)
	}
}

func TestTopicPeerStoreCleanupExpiresAndDeletesEmptyTopic(t *testing.T) {
	store, clock := newStoreWithClock(time.Unix(2000, 0))
	var topic TopicHash
	topic[0] = 0xCC

	store.Store(topic, net.IPv4(10, 0, 0, 1), 1111)

	clock.now = clock.now.Add(time.Hour)
	store.Cleanup(10 * time.Minute)

	if peers := store.Get(topic, 10); len(peers) != 0 {
		t.Errorf("Get() after Cleanup returned %d peers, want 0", len(peers))
	}
	store.mu.Lock()
	_, exists := store.topics[topic]
	store.mu.Unlock()
	if exists {
		t.Error("empty topic entry should be deleted by Cleanup")
	}
}

func TestTopicPeerStoreGetRespectsMax(t *testing.T) {
	store, _ := newStoreWithClock(time.Unix(0, 0))
	var topic TopicHash
	topic[0] = 0xDD

	for i := 0; i < 5; i++ {
		store.Store(topic, net.IPv4(10, 0, 0, byte(i)), uint16(2000+i))
	}

	peers := store.Get(topic, 2)
	if len(peers) != 2 {
		t.Errorf("Get() with max=2 returned %d peers", len(peers))
	}
}
