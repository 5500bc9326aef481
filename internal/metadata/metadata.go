// Package metadata implements the per-key/per-group popularity and
// reward bookkeeping that drives COVERED eviction, plus the
// local-uncached LRU sub-component.
//
// Three interlocked views (a per-key record set, a group map, and a
// reward-sorted index) must stay navigable from each other under any
// single mutation. Every record lives in a slice-backed arena and is
// referenced by a generational handle instead of a pointer, so a
// reused slot can never be mistaken for the record that used to
// occupy it.
package metadata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/covered-cache/edgecache/internal/wire"
)

// CachedRewardFunc computes the reward for a locally cached key from
// its local and redirected popularity and whether this edge holds the
// last remaining copy. Pluggable per-node.
type CachedRewardFunc func(localPopularity, redirectedPopularity float64, isLastCopy bool) float64

// DefaultCachedReward is the reward function wired up when a node does
// not supply its own: combined popularity, weighted up when this is
// the last copy (losing it means a full global miss next time).
func DefaultCachedReward(localPopularity, redirectedPopularity float64, isLastCopy bool) float64 {
	reward := localPopularity + redirectedPopularity
	if isLastCopy {
		reward *= 2
	}
	return reward
}

// handle is a generational reference into the record arena. A stale
// handle (Gen mismatch with the slot's current generation) never
// resolves to the wrong record.
type handle struct {
	idx int
	gen uint32
}

type keyLevelMetadata struct {
	localFreq      uint64
	redirectedFreq uint64
	objectSize     *int64 // nil unless per-key size is tracked; group average applies
	recencySeq     uint64
}

type record struct {
	key      string
	meta     keyLevelMetadata
	groupID  int
	reward   float64
	occupied bool
	gen      uint32
}

type group struct {
	id        int
	keyCount  int
	totalSize int64
}

func (g *group) avgObjectSize() float64 {
	if g == nil || g.keyCount == 0 {
		return 0
	}
	return float64(g.totalSize) / float64(g.keyCount)
}

// Cached is the reward-sorted metadata store for locally cached keys.
type Cached struct {
	mu sync.RWMutex

	arena    []record
	freeList []int
	lookup   map[string]handle

	// rewardIndex is kept sorted ascending by (reward, recencySeq) so
	// the lowest-reward, oldest entry is always at index 0: eviction's
	// LRU tie-break.
	rewardIndex []handle

	groups           map[int]*group
	curGroupID       int
	curGroupKeyCount int
	pergroupMaxKeys  int

	rewardFn   CachedRewardFunc
	recencySeq uint64

	topN int // victim_set_size: used to report whether an insert changed the eviction frontier
}

// New builds an empty Cached metadata store. pergroupMaxKeys bounds
// how many keys share one admission group before the group id
// advances; topN is the victim-set size used to report
// whether an insertion changed the current eviction frontier.
func New(pergroupMaxKeys, topN int, rewardFn CachedRewardFunc) *Cached {
	if pergroupMaxKeys <= 0 {
		pergroupMaxKeys = 64
	}
	if topN <= 0 {
		topN = 8
	}
	if rewardFn == nil {
		rewardFn = DefaultCachedReward
	}
	return &Cached{
		lookup:          make(map[string]handle),
		groups:          make(map[int]*group),
		pergroupMaxKeys: pergroupMaxKeys,
		rewardFn:        rewardFn,
		topN:            topN,
	}
}

func (m *Cached) less(a, b handle) bool {
	ra, rb := &m.arena[a.idx], &m.arena[b.idx]
	if ra.reward != rb.reward {
		return ra.reward < rb.reward
	}
	return ra.meta.recencySeq < rb.meta.recencySeq
}

func (m *Cached) indexOf(h handle) int {
	return sort.Search(len(m.rewardIndex), func(i int) bool {
		return !m.less(m.rewardIndex[i], h)
	})
}

func (m *Cached) insertReward(h handle) {
	i := m.indexOf(h)
	m.rewardIndex = append(m.rewardIndex, handle{})
	copy(m.rewardIndex[i+1:], m.rewardIndex[i:])
	m.rewardIndex[i] = h
}

func (m *Cached) removeReward(h handle) {
	i := m.indexOf(h)
	for i < len(m.rewardIndex) && m.rewardIndex[i] != h {
		i++
	}
	if i >= len(m.rewardIndex) {
		return
	}
	m.rewardIndex = append(m.rewardIndex[:i], m.rewardIndex[i+1:]...)
}

func (m *Cached) allocRecord() handle {
	if n := len(m.freeList); n > 0 {
		idx := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		m.arena[idx].gen++
		return handle{idx: idx, gen: m.arena[idx].gen}
	}
	m.arena = append(m.arena, record{gen: 1})
	idx := len(m.arena) - 1
	return handle{idx: idx, gen: 1}
}

func (m *Cached) freeRecord(h handle) {
	m.arena[h.idx] = record{gen: m.arena[h.idx].gen}
	m.freeList = append(m.freeList, h.idx)
}

func (m *Cached) groupFor(id int) *group {
	g, ok := m.groups[id]
	if !ok {
		g = &group{id: id}
		m.groups[id] = g
	}
	return g
}

func popularity(freq uint64, size float64) float64 {
	if size <= 0 {
		return 0
	}
	return float64(freq) / size
}

func (m *Cached) sizeFor(rec *record) float64 {
	if rec.meta.objectSize != nil {
		return float64(*rec.meta.objectSize)
	}
	return m.groupFor(rec.groupID).avgObjectSize()
}

func (m *Cached) recompute(rec *record, redirectedPopularity float64, isLastCopy bool) float64 {
	s := m.sizeFor(rec)
	local := popularity(rec.meta.localFreq, s)
	redirected := redirectedPopularity
	if redirected == 0 {
		redirected = popularity(rec.meta.redirectedFreq, s)
	}
	return m.rewardFn(local, redirected, isLastCopy)
}

// AddForNewKey assigns a group (advancing curGroupID when the current
// group is full), computes popularity and reward, and inserts key into
// the reward index. Returns whether this insertion changed the set of
// top-N eviction candidates, which drives victim sync.
func (m *Cached) AddForNewKey(key string, value wire.Value, objectSize *int64, isLastCopy bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lookup[key]; exists {
		return false
	}

	m.curGroupKeyCount++
	if m.curGroupKeyCount > m.pergroupMaxKeys {
		m.curGroupID++
		m.curGroupKeyCount = 1
	}
	groupID := m.curGroupID
	g := m.groupFor(groupID)
	g.keyCount++
	g.totalSize += value.Size()

	m.recencySeq++
	h := m.allocRecord()
	rec := &m.arena[h.idx]
	rec.key = key
	rec.groupID = groupID
	rec.occupied = true
	rec.meta = keyLevelMetadata{localFreq: 1, objectSize: objectSize, recencySeq: m.recencySeq}
	rec.reward = m.recompute(rec, 0, isLastCopy)

	m.lookup[key] = h
	m.insertReward(h)

	return m.isWithinTopNLocked(h)
}

func (m *Cached) isWithinTopNLocked(h handle) bool {
	i := m.indexOf(h)
	for i < len(m.rewardIndex) && m.rewardIndex[i] != h {
		i++
	}
	return i < m.topN
}

// UpdateNoValueStats bumps frequency (local or redirected), refreshes
// recency, and recomputes popularity/reward.
func (m *Cached) UpdateNoValueStats(key string, isRedirected, isLastCopy bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup[key]
	if !ok {
		return false
	}
	rec := &m.arena[h.idx]
	m.removeReward(h)
	if isRedirected {
		rec.meta.redirectedFreq++
	} else {
		rec.meta.localFreq++
	}
	m.recencySeq++
	rec.meta.recencySeq = m.recencySeq
	rec.reward = m.recompute(rec, 0, isLastCopy)
	m.insertReward(h)
	return true
}

// UpdateValueStats refreshes size-dependent stats after a value
// changes.
func (m *Cached) UpdateValueStats(key string, newValue, oldValue wire.Value, isLastCopy bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.lookup[key]
	if !ok {
		return false
	}
	rec := &m.arena[h.idx]
	g := m.groupFor(rec.groupID)
	g.totalSize += newValue.Size() - oldValue.Size()
	if rec.meta.objectSize != nil {
		sz := newValue.Size()
		rec.meta.objectSize = &sz
	}
	m.removeReward(h)
	rec.reward = m.recompute(rec, 0, isLastCopy)
	m.insertReward(h)
	return true
}

// RemoveForExistingKey removes key from all three structures,
// destroying its group if it becomes empty.
func (m *Cached) RemoveForExistingKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(key)
}

func (m *Cached) removeLocked(key string) bool {
	h, ok := m.lookup[key]
	if !ok {
		return false
	}
	rec := &m.arena[h.idx]
	g := m.groupFor(rec.groupID)
	g.keyCount--
	if g.keyCount <= 0 {
		delete(m.groups, rec.groupID)
	}
	m.removeReward(h)
	delete(m.lookup, key)
	m.freeRecord(h)
	return true
}

// PopLowestReward implements store.EvictionIndex: it pops and fully
// removes the globally lowest-reward key.
func (m *Cached) PopLowestReward() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rewardIndex) == 0 {
		return "", false
	}
	h := m.rewardIndex[0]
	key := m.arena[h.idx].key
	m.removeLocked(key)
	return key, true
}

// GetLeastRewardKeyAndReward probes the ordered reward index at rank
// (0 = lowest reward).
func (m *Cached) GetLeastRewardKeyAndReward(rank int) (key string, reward float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rank < 0 || rank >= len(m.rewardIndex) {
		return "", 0, false
	}
	h := m.rewardIndex[rank]
	rec := &m.arena[h.idx]
	return rec.key, rec.reward, true
}

// IsWithinTargetLeastRewardRank reports whether key is among the
// lowest-n reward entries.
func (m *Cached) IsWithinTargetLeastRewardRank(key string, n int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.lookup[key]
	if !ok {
		return false
	}
	i := m.indexOf(h)
	for i < len(m.rewardIndex) && m.rewardIndex[i] != h {
		i++
	}
	return i < n
}

// IsKeyExist reports whether key has tracked metadata.
func (m *Cached) IsKeyExist(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lookup[key]
	return ok
}

// SizeForCapacity returns the bytes charged to capacity for this
// view: cached metadata excludes key bytes, which the store already
// counts.
func (m *Cached) SizeForCapacity() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.lookup)) * recordOverheadBytes
}

// recordOverheadBytes approximates the fixed per-entry bookkeeping
// cost (frequency counters, group id, reward) charged to capacity
// independent of key length.
const recordOverheadBytes = 40

func (m *Cached) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("metadata.Cached{keys=%d, groups=%d}", len(m.lookup), len(m.groups))
}
