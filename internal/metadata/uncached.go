package metadata

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// uncachedStats is the per-key bookkeeping the local uncached LRU
// keeps for a recently-missed, not-yet-tracked key.
type uncachedStats struct {
	localFreq uint64
	size      int64 // 0 when unknown; popularity clamps to 0 in that case
}

// Uncached is the local uncached LRU sub-component: a bounded side
// cache of popularity stats for recently-missed keys, used by COVERED
// so a newly tracked key starts with usable stats. Admission is
// unconditional; eviction is strict LRU by byte budget.
//
// golang-lru's own entry-count bound is set effectively unbounded and
// eviction is instead driven by a tracked byte budget; unlike Cached
// above, this sub-component has no cross-linked reward index needing
// the arena/handle treatment, so an off-the-shelf LRU fits.
type Uncached struct {
	mu        sync.Mutex
	cache     *lru.Cache
	maxBytes  int64
	usedBytes int64
	keySize   map[string]int64
}

// NewUncached builds an Uncached LRU bounded by maxBytes.
func NewUncached(maxBytes int64) *Uncached {
	u := &Uncached{maxBytes: maxBytes, keySize: make(map[string]int64)}
	c, err := lru.NewWithEvict(1<<30, u.onEvict)
	if err != nil {
		// Only returns an error for a non-positive size, which 1<<30
		// never triggers.
		panic(err)
	}
	u.cache = c
	return u
}

func (u *Uncached) onEvict(key, value interface{}) {
	k := key.(string)
	u.usedBytes -= u.keySize[k]
	delete(u.keySize, k)
}

// Track records a local miss for key, bumping its frequency and
// refreshing its recency (moves to most-recently-used). keySize is the
// byte cost charged for this key: key bytes plus bookkeeping, since
// the store isn't counting them.
func (u *Uncached) Track(key string, keySize int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if v, ok := u.cache.Get(key); ok {
		st := v.(*uncachedStats)
		st.localFreq++
		u.cache.Add(key, st) // refresh recency
		return
	}

	st := &uncachedStats{localFreq: 1, size: keySize}
	u.cache.Add(key, st)
	u.keySize[key] = keySize
	u.usedBytes += keySize

	for u.usedBytes > u.maxBytes && u.cache.Len() > 0 {
		u.cache.RemoveOldest()
	}
}

// Popularity returns the (local_frequency / size) popularity estimate
// for key if it is tracked, or (0, false) otherwise.
func (u *Uncached) Popularity(key string) (float64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.cache.Peek(key)
	if !ok {
		return 0, false
	}
	st := v.(*uncachedStats)
	return popularity(st.localFreq, float64(st.size)), true
}

// Remove evicts key from the uncached LRU, used when a key graduates
// to the fully tracked Cached metadata on admission.
func (u *Uncached) Remove(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cache.Remove(key)
}

// SizeForCapacity returns the bytes currently charged to capacity by
// this sub-component.
func (u *Uncached) SizeForCapacity() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.usedBytes
}

// Len reports how many keys are currently tracked.
func (u *Uncached) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cache.Len()
}
