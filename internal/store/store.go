// Package store implements the local cache store: an in-memory KV
// with a validity bit per entry. Admission and eviction order are
// policy decisions that live in internal/metadata; this package only
// holds bytes and answers size/victim queries, with eviction order
// coming from an injected EvictionIndex.
package store

import (
	"sync"

	"github.com/covered-cache/edgecache/internal/wire"
)

// entry is one cache slot. Exists from admit until evict; valid flips
// false on a remote write and true again on refresh.
type entry struct {
	value wire.Value
	valid bool
}

// EvictionIndex is the reward-ordered index that decides which key to
// evict next (implemented by internal/metadata's reward multimap).
// Store depends only on this interface, never on the metadata package
// itself, so the two can be wired together by their caller without a
// import cycle.
type EvictionIndex interface {
	// PopLowestReward returns the next victim key in reward order (LRU
	// tie-break is the index's responsibility), or ok=false when the
	// index has nothing left to offer.
	PopLowestReward() (key string, ok bool)
}

// Store is the Local Cache Store for one edge. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	items     map[string]*entry
	usedBytes int64
}

// New builds an empty Store.
func New() *Store {
	return &Store{items: make(map[string]*entry)}
}

// Get returns (present, valid, value). value is the zero Value when
// present is false.
func (s *Store) Get(key string) (present, valid bool, value wire.Value) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok {
		return false, false, wire.Value{}
	}
	return true, e.valid, e.value.Clone()
}

// Admit inserts key with value, marked valid iff isValid. It rejects
// (returns false) if the key is already present.
func (s *Store) Admit(key string, value wire.Value, isValid bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; exists {
		return false
	}
	s.items[key] = &entry{value: value.Clone(), valid: isValid}
	s.usedBytes += value.Size()
	return true
}

// Update replaces value for an existing key and marks it valid. No-op
// (returns false) if key is absent.
func (s *Store) Update(key string, value wire.Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false
	}
	s.usedBytes += value.Size() - e.value.Size()
	e.value = value.Clone()
	e.valid = true
	return true
}

// Invalidate marks key invalid if present, keeping the slot. Returns
// whether a slot existed to invalidate.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false
	}
	e.valid = false
	return true
}

// RemoveIfInvalidForGetResponse removes key iff present and already
// invalid, the cleanup step taken after a cooperative get observes a
// stale replica.
func (s *Store) RemoveIfInvalidForGetResponse(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.valid {
		return false
	}
	s.usedBytes -= e.value.Size()
	delete(s.items, key)
	return true
}

// Remove unconditionally deletes key, used by explicit delete paths
// rather than the invalid-on-read cleanup.
func (s *Store) Remove(key string) (wire.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return wire.Value{}, false
	}
	s.usedBytes -= e.value.Size()
	delete(s.items, key)
	return e.value, true
}

// UsedBytes returns the bytes currently charged to capacity.
func (s *Store) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedBytes
}

// Evict pops victims from idx until requiredBytes have been freed or
// the store is empty, removing each
// victim from this store and returning the freed entries.
func (s *Store) Evict(idx EvictionIndex, requiredBytes int64) map[string]wire.Value {
	victims := make(map[string]wire.Value)
	var freed int64
	for freed < requiredBytes {
		key, ok := idx.PopLowestReward()
		if !ok {
			break
		}
		s.mu.Lock()
		e, present := s.items[key]
		if present {
			freed += e.value.Size()
			victims[key] = e.value
			s.usedBytes -= e.value.Size()
			delete(s.items, key)
		}
		empty := len(s.items) == 0
		s.mu.Unlock()
		if empty {
			break
		}
	}
	return victims
}

// Len reports the number of entries currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
