// Package hashring implements the beacon map: a deterministic, pure
// function from key to owning edge.
//
// Deliberately NOT a mutable consistent-hash ring: the beacon mapping
// is a pure function of (key, edge_count) with no ambient state, and
// the fleet is fixed for the lifetime of a run, so there is no
// join/leave machinery to maintain here.
package hashring

import (
	"hash/crc32"
)

// HashFunc computes a 32-bit digest of data. The hash family is
// selectable at startup.
type HashFunc func(data []byte) uint32

// EdgeID identifies one edge node.
type EdgeID int

// Ring is the deterministic key->edge mapping for one run. It holds no
// mutable state after construction; Beacon is a pure function of its
// fields and the key.
type Ring struct {
	edgeCount int
	hash      HashFunc
	self      EdgeID
}

// New builds a Ring for a fixed edge_count. If fn is nil,
// crc32.ChecksumIEEE is used.
func New(edgeCount int, self EdgeID, fn HashFunc) *Ring {
	if edgeCount <= 0 {
		panic("hashring: edgeCount must be > 0")
	}
	if fn == nil {
		fn = crc32.ChecksumIEEE
	}
	return &Ring{edgeCount: edgeCount, hash: fn, self: self}
}

// Beacon returns the edge deterministically responsible for key.
// Pure: no ambient or mutable state is consulted.
func (r *Ring) Beacon(key []byte) EdgeID {
	return EdgeID(int(r.hash(key)) % r.edgeCount)
}

// IsLocalBeacon reports whether the current node is the beacon of key.
func (r *Ring) IsLocalBeacon(key []byte) bool {
	return r.Beacon(key) == r.self
}

// IsLocalTarget reports whether edgeID names the current node.
func (r *Ring) IsLocalTarget(edgeID EdgeID) bool {
	return edgeID == r.self
}

// Self returns the edge ID this ring was built for.
func (r *Ring) Self() EdgeID {
	return r.self
}

// EdgeCount returns the fixed fleet size this ring was built for.
func (r *Ring) EdgeCount() int {
	return r.edgeCount
}

// Replicas returns the n distinct edges (beacon first) a COVERED
// placement may consider replicating key onto, walking deterministically
// from Beacon(key) -- a pure modular walk consistent with the rest of
// this package.
func (r *Ring) Replicas(key []byte, n int) []EdgeID {
	if n > r.edgeCount {
		n = r.edgeCount
	}
	start := int(r.Beacon(key))
	out := make([]EdgeID, n)
	for i := 0; i < n; i++ {
		out[i] = EdgeID((start + i) % r.edgeCount)
	}
	return out
}
