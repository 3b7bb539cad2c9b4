package dht

import (
	"sort"
	"sync"
	"time"
)

// BucketSize is K in Kademlia terms: the maximum number of contacts held
// in any single k-bucket.
const BucketSize = 20

// kBucket holds up to BucketSize contacts, least-recently-seen at the
// head. It has no lock of its own — callers hold the owning RoutingTable's
// mutex, since spec requires a single mutual-exclusion guard around every
// routing table operation rather than per-bucket locking.
type kBucket struct {
	contacts []Contact
}

func newKBucket() *kBucket {
	return &kBucket{contacts: make([]Contact, 0, BucketSize)}
}

// upsert updates an existing contact in place (moving it to the tail) or
// appends a new one if there's room. It reports whether the bucket was
// modified; a full bucket that doesn't already hold this id is left
// unchanged (the drop-new policy).
func (kb *kBucket) upsert(c Contact) bool {
	for i, existing := range kb.contacts {
		if existing.ID == c.ID {
			kb.contacts = append(kb.contacts[:i], kb.contacts[i+1:]...)
			kb.contacts = append(kb.contacts, c)
			return true
		}
	}

	if len(kb.contacts) < BucketSize {
		kb.contacts = append(kb.contacts, c)
		return true
	}

	return false
}

func (kb *kBucket) remove(id NodeId) bool {
	for i, c := range kb.contacts {
		if c.ID == id {
			kb.contacts = append(kb.contacts[:i], kb.contacts[i+1:]...)
			return true
		}
	}
	return false
}

// RoutingTable is a Kademlia routing table keyed by XOR distance from a
// local node id, organized into 256 fixed-size k-buckets.
type RoutingTable struct {
	mu      sync.Mutex
	localID NodeId
	buckets [256]*kBucket
	tp      TimeProvider
}

// NewRoutingTable creates an empty routing table for localID.
func NewRoutingTable(localID NodeId) *RoutingTable {
	rt := &RoutingTable{
		localID: localID,
		tp:      getDefaultTimeProvider(),
	}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket()
	}
	return rt
}

// Update inserts or refreshes a contact. Self-updates are ignored. If the
// target bucket is full and does not already contain this contact, the
// bucket is left unchanged (drop-new policy — spec treats this as the
// floor; pinging the bucket head and evicting on no-response is an
// allowed but unimplemented enhancement).
func (rt *RoutingTable) Update(c Contact) bool {
	if c.ID == rt.localID {
		return false
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = rt.tp.Now()
	}

	idx := bucketIndex(xorDistance(rt.localID, c.ID))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].upsert(c)
}

// FindClosest returns up to k contacts across all buckets, sorted by
// ascending XOR distance to target with NodeId byte order as tie-break
// (ties don't occur between distinct ids, since equal distance to the
// same target from two different ids only happens when the ids
// themselves are equal).
func (rt *RoutingTable) FindClosest(target NodeId, k int) []Contact {
	rt.mu.Lock()
	all := make([]Contact, 0)
	for _, b := range rt.buckets {
		all = append(all, b.contacts...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := xorDistance(target, all[i].ID)
		dj := xorDistance(target, all[j].ID)
		if di == dj {
			return lessDistance(all[i].ID, all[j].ID)
		}
		return lessDistance(di, dj)
	})

	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Contains reports whether id is present in any bucket.
func (rt *RoutingTable) Contains(id NodeId) bool {
	idx := bucketIndex(xorDistance(rt.localID, id))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, c := range rt.buckets[idx].contacts {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Remove deletes id from its bucket, reporting whether it was present.
func (rt *RoutingTable) Remove(id NodeId) bool {
	idx := bucketIndex(xorDistance(rt.localID, id))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].remove(id)
}

// IterAll returns a snapshot of every contact in the table.
func (rt *RoutingTable) IterAll() []Contact {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	all := make([]Contact, 0)
	for _, b := range rt.buckets {
		all = append(all, b.contacts...)
	}
	return all
}

// Dump returns a per-bucket snapshot for diagnostics, indexed exactly as
// the routing table indexes its buckets.
func (rt *RoutingTable) Dump() [256][]Contact {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out [256][]Contact
	for i, b := range rt.buckets {
		out[i] = append([]Contact(nil), b.contacts...)
	}
	return out
}

// RemoveStale evicts contacts not seen within maxAge and returns the
// number removed.
func (rt *RoutingTable) RemoveStale(maxAge time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.tp.Now()
	removed := 0
	for _, b := range rt.buckets {
		kept := b.contacts[:0]
		for _, c := range b.contacts {
			if now.Sub(c.LastSeen) > maxAge {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		b.contacts = kept
	}
	return removed
}

// Count returns the total number of contacts across all buckets.
func (rt *RoutingTable) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, b := range rt.buckets {
		n += len(b.contacts)
	}
	return n
}
