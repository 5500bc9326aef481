// Package directory implements the directory table: the beacon-local
// map from key to the set of edges currently caching it.
package directory

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/covered-cache/edgecache/internal/hashring"
)

// Keys are hashed into one of a fixed set of striped locks, so two
// operations on distinct keys rarely contend.
type stripe struct {
	mu      sync.RWMutex
	cachers map[string]map[hashring.EdgeID]struct{}
}

// Table is the beacon-local directory for all keys that hash to this
// node.
type Table struct {
	stripes []*stripe
	// TiePolicy picks one cacher when a key has multiple. Defaults to
	// deterministic lowest-id if nil.
	TiePolicy func(candidates []hashring.EdgeID) hashring.EdgeID
}

// New builds a Table striped across n locks.
func New(n int) *Table {
	if n <= 0 {
		n = 32
	}
	stripes := make([]*stripe, n)
	for i := range stripes {
		stripes[i] = &stripe{cachers: make(map[string]map[hashring.EdgeID]struct{})}
	}
	return &Table{stripes: stripes}
}

func (t *Table) stripeFor(key string) *stripe {
	h := fnv32(key)
	return t.stripes[int(h)%len(t.stripes)]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// LowestID is the default TiePolicy: deterministic lowest edge id.
func LowestID(candidates []hashring.EdgeID) hashring.EdgeID {
	sorted := append([]hashring.EdgeID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[0]
}

// Random picks an arbitrary candidate.
func Random(candidates []hashring.EdgeID) hashring.EdgeID {
	return candidates[rand.Intn(len(candidates))]
}

// Lookup returns whether key has any cachers and, if so, one valid
// DirectoryInfo chosen per the tie-break policy.
func (t *Table) Lookup(key string) (exists bool, info hashring.EdgeID, valid bool) {
	s := t.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.cachers[key]
	if !ok || len(set) == 0 {
		return false, 0, false
	}
	candidates := make([]hashring.EdgeID, 0, len(set))
	for e := range set {
		candidates = append(candidates, e)
	}
	policy := t.TiePolicy
	if policy == nil {
		policy = LowestID
	}
	return true, policy(candidates), true
}

// AllCachers returns every edge currently listed as a cacher of key.
func (t *Table) AllCachers(key string) []hashring.EdgeID {
	s := t.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.cachers[key]
	if !ok {
		return nil
	}
	out := make([]hashring.EdgeID, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}

// Update admits or removes edge as a cacher of key: if isAdmit, the
// edge is added to key's cacher set (creating it lazily);
// otherwise it is removed, and an empty resulting set destroys the
// entry entirely.
func (t *Table) Update(key string, isAdmit bool, edge hashring.EdgeID) {
	s := t.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.cachers[key]
	if isAdmit {
		if !ok {
			set = make(map[hashring.EdgeID]struct{})
			s.cachers[key] = set
		}
		set[edge] = struct{}{}
		return
	}
	if !ok {
		return
	}
	delete(set, edge)
	if len(set) == 0 {
		delete(s.cachers, key)
	}
}

// IsLastCopy reports whether edge is the only cacher currently listed
// for key, the signal the COVERED reward function uses to weight an
// eviction's cost.
func (t *Table) IsLastCopy(key string, edge hashring.EdgeID) bool {
	s := t.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.cachers[key]
	if !ok {
		return true
	}
	_, has := set[edge]
	return has && len(set) == 1
}
