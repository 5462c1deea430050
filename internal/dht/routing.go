// Package dht implements the Mainline DHT (BEP 5): a K-bucket routing table
// keyed by XOR distance, KRPC ping/find_node/get_peers/announce_peer
// messages, and an iterative alpha=3 Kademlia lookup.
package dht

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// NodeID is the DHT's 160-bit node identity.
type NodeID [20]byte

// Distance returns the XOR distance between two node IDs.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// PrefixLen returns the length of the shared prefix (number of leading zero
// bits) between a and b, i.e. the bucket index a node at distance a^b falls into.
func PrefixLen(a, b NodeID) int {
	d := Distance(a, b)
	for i, by := range d {
		if by == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if by&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return 160
}

// Less reports whether a is numerically closer to the origin than b
// (used to order candidates by distance during a lookup).
func Less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// NodeStatus is the liveness classification of a routing-table entry.
type NodeStatus int

const (
	StatusGood NodeStatus = iota
	StatusQuestionable
	StatusBad
)

// NodeInfo is one routing-table entry.
type NodeInfo struct {
	ID NodeID
	Addr *net.UDPAddr
	LastSeen time.Time
	Status NodeStatus
}

const bucketSize = 8 // K=8

// bucket holds up to K node entries sharing a common prefix length.
type bucket struct {
	nodes []NodeInfo
}

// RoutingTable is the bucket tree keyed by shared-prefix length with the
// local node ID.
type RoutingTable struct {
	mu sync.Mutex
	local NodeID
	buckets [161]*bucket // index = PrefixLen(local, node.ID)

	// replacement holds candidate nodes bumped from a full bucket of good
	// entries, so a later bucket vacancy can be refilled without a fresh
	// find_node round trip. Bounded LRU, not a correctness requirement.
	replacement *lru.Cache
}

// NewRoutingTable creates an empty table rooted at localID.
func NewRoutingTable(localID NodeID) *RoutingTable {
	cache, _ := lru.New(256)
	rt := &RoutingTable{local: localID, replacement: cache}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// Insert adds or refreshes a node, bounded to K entries per bucket. When a
// bucket is full, the first questionable/bad entry found is replaced by the
// new one; if all entries are good, the new node goes to the replacement
// cache instead of the bucket.
func (rt *RoutingTable) Insert(n NodeInfo) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := PrefixLen(rt.local, n.ID)
	b := rt.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes[i] = n
			return
		}
	}

	if len(b.nodes) < bucketSize {
		b.nodes = append(b.nodes, n)
		return
	}

	for i, existing := range b.nodes {
		if existing.Status != StatusGood {
			b.nodes[i] = n
			return
		}
	}
	// Bucket full of good nodes: per BEP 5, stash the candidate in the
	// replacement cache instead of dropping it outright.
	rt.replacement.Add(n.ID, n)
}

// replacementFor returns a cached candidate for bucket idx, if any, to
// refill a vacancy left by an evicted/timed-out node.
func (rt *RoutingTable) replacementFor(idx int) (NodeInfo, bool) {
	for _, key := range rt.replacement.Keys() {
		id := key.(NodeID)
		if PrefixLen(rt.local, id) != idx {
			continue
		}
		v, ok := rt.replacement.Get(id)
		if !ok {
			continue
		}
		rt.replacement.Remove(id)
		return v.(NodeInfo), true
	}
	return NodeInfo{}, false
}

// MarkSeen refreshes the last-seen time and status for a known node.
func (rt *RoutingTable) MarkSeen(id NodeID, status NodeStatus) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := PrefixLen(rt.local, id)
	b := rt.buckets[idx]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes[i].LastSeen = time.Now()
			b.nodes[i].Status = status
			return
		}
	}
}

// Remove evicts a node, e.g. after repeated timeouts.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := PrefixLen(rt.local, id)
	b := rt.buckets[idx]
	for i, existing := range b.nodes {
		if existing.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if repl, ok := rt.replacementFor(idx); ok {
				b.nodes = append(b.nodes, repl)
			}
			return
		}
	}
}

// Closest returns the k nodes numerically closest to target across all buckets.
func (rt *RoutingTable) Closest(target NodeID, k int) []NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []NodeInfo
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	sortByDistance(all, target)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func sortByDistance(nodes []NodeInfo, target NodeID) {
	// Simple insertion sort; routing tables are small (≤ 8*161 entries, in
	// practice far fewer), so this avoids pulling in sort just for NodeInfo.
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && Less(Distance(nodes[j].ID, target), Distance(nodes[j-1].ID, target)) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}

// Size returns the total number of entries across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}
