package dht

import (
	"net"
	"sort"
	"sync"

	"github.com/andres-erbsen/clock"
)

// bucketSize is the Kademlia k parameter: at most this many nodes are kept
// per bucket.
const bucketSize = 8

// numBuckets is the number of bits in a NodeID, one bucket per prefix
// length.
const numBuckets = 160

// bucket holds the known nodes whose distance from our own id shares the
// same leading-zero-bit count.
type bucket struct {
	nodes []*RemoteNode
}

// RoutingTable is a Kademlia routing table of 160 buckets holding up to 8
// nodes each, with good/questionable/bad eviction per BEP 5.
type RoutingTable struct {
	mu      sync.Mutex
	self    NodeID
	buckets [numBuckets]*bucket
	clk     clock.Clock
}

// NewRoutingTable creates an empty table centered on self.
func NewRoutingTable(self NodeID, clk clock.Clock) *RoutingTable {
	if clk == nil {
		clk = clock.New()
	}
	rt := &RoutingTable{self: self, clk: clk}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id NodeID) int {
	idx := rt.self.Distance(id).PrefixLen()
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	return idx
}

// Insert adds or refreshes a node in the table. If the owning bucket is
// full, the node replaces the first Bad entry found; otherwise it is
// dropped (callers wanting to force an eviction should ping the
// questionable entries first, per BEP 5's refresh policy).
func (rt *RoutingTable) Insert(id NodeID, addr *net.UDPAddr) *RemoteNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	for _, n := range b.nodes {
		if n.ID == id {
			n.Confirmed()
			return n
		}
	}

	n := NewRemoteNode(id, addr, rt.clk)
	if len(b.nodes) < bucketSize {
		b.nodes = append(b.nodes, n)
		return n
	}

	for i, existing := range b.nodes {
		if existing.State() == Bad {
			b.nodes[i] = n
			return n
		}
	}
	return nil
}

// Remove evicts id from the table, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Get returns the node with the given id, if known.
func (rt *RoutingTable) Get(id NodeID) (*RemoteNode, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	for _, n := range b.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// FindByAddr returns the node registered under addr, if any. Used to
// attribute a query timeout to a routing table entry when only the
// destination address, not yet a confirmed id, is known.
func (rt *RoutingTable) FindByAddr(addr *net.UDPAddr) (*RemoteNode, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.Addr != nil && n.Addr.String() == addr.String() {
				return n, true
			}
		}
	}
	return nil, false
}

// Closest returns up to k nodes closest to target, across all buckets.
func (rt *RoutingTable) Closest(target NodeID, k int) []*RemoteNode {
	rt.mu.Lock()
	all := make([]*RemoteNode, 0, bucketSize*4)
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Distance(target).LessThan(all[j].Distance(target))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Questionable returns every node currently in the Questionable state,
// candidates for a refresh ping.
func (rt *RoutingTable) Questionable() []*RemoteNode {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []*RemoteNode
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.State() == Questionable {
				out = append(out, n)
			}
		}
	}
	return out
}

// EvictBad drops every node currently in the Bad state from the table.
func (rt *RoutingTable) EvictBad() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	evicted := 0
	for _, b := range rt.buckets {
		kept := b.nodes[:0]
		for _, n := range b.nodes {
			if n.State() == Bad {
				evicted++
				continue
			}
			kept = append(kept, n)
		}
		b.nodes = kept
	}
	return evicted
}

// Len returns the total number of nodes tracked across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// SetSelf updates the id this table computes distances against, used when
// BEP 42 self-address observation regenerates a secure id. Existing nodes
// are not re-bucketed retroactively since their absolute addresses and
// states are unaffected, only future bucket assignment shifts.
func (rt *RoutingTable) SetSelf(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.self = id
}
