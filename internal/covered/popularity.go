package covered

import (
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/hashring"
)

// sample is one edge's most recently reported popularity for a key
// this node does not own.
type sample struct {
	popularity     float64
	lastSyncTime   time.Time
	isGlobalCached bool
	isSourceCached bool
}

// MarginFunc reports how many spare bytes edge currently has before it
// would need to evict something to admit a new object, used to bound
// placement decisions to what an edge can actually hold.
type MarginFunc func(edge hashring.EdgeID) int64

// PopularityAggregator folds in popularity reports from peers and,
// when asked, solves the placement decision: choose the subset of
// edges that maximizes aggregated benefit minus eviction cost, subject
// to fitting within each edge's cache margin.
//
// A shared map under one coarse lock, recomputing the whole candidate
// set on every call: the set of edges per run is small and fixed, so
// there is no scaling concern that would justify a fancier structure.
type PopularityAggregator struct {
	mu          sync.Mutex
	changeRatio float64
	objectSize  int64
	samples     map[string]map[hashring.EdgeID]*sample
	margin      MarginFunc
}

// NewPopularityAggregator builds an aggregator. changeRatio throttles
// placement re-evaluation; objectSize is the assumed
// per-object byte cost used to test whether a candidate edge's margin
// can fit the object; margin reports a live per-edge cache margin.
func NewPopularityAggregator(changeRatio float64, objectSize int64, margin MarginFunc) *PopularityAggregator {
	if changeRatio <= 0 {
		changeRatio = 0.2
	}
	if objectSize <= 0 {
		objectSize = 1
	}
	return &PopularityAggregator{
		changeRatio: changeRatio,
		objectSize:  objectSize,
		samples:     make(map[string]map[hashring.EdgeID]*sample),
		margin:      margin,
	}
}

// Update folds in a newly reported popularity for key from src.
// If wantPlacement and the change is large enough relative to the prior
// sample to clear changeRatio, it solves and returns a best-placement
// edgeset; otherwise it returns (nil, false) to signal "no recompute".
func (a *PopularityAggregator) Update(key string, src hashring.EdgeID, cp float64, isGlobalCached, isSourceCached, wantPlacement bool) (edgeset []hashring.EdgeID, recomputed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perKey, ok := a.samples[key]
	if !ok {
		perKey = make(map[hashring.EdgeID]*sample)
		a.samples[key] = perKey
	}

	prev, existed := perKey[src]
	significant := !existed
	if existed && prev.popularity > 0 {
		delta := cp - prev.popularity
		if delta < 0 {
			delta = -delta
		}
		significant = delta/prev.popularity >= a.changeRatio
	}

	perKey[src] = &sample{
		popularity:     cp,
		lastSyncTime:   time.Now(),
		isGlobalCached: isGlobalCached,
		isSourceCached: isSourceCached,
	}

	if !wantPlacement || !significant {
		return nil, false
	}
	return a.bestPlacementLocked(key), true
}

// placementCandidate is a (edge, net-benefit) pair scored for the
// greedy knapsack-style selection below.
type placementCandidate struct {
	edge       hashring.EdgeID
	netBenefit float64
}

// bestPlacementLocked solves "maximize aggregated benefit minus
// eviction cost subject to fitting within each edge's margin" with a
// greedy choice: score every reporting edge by its popularity (the
// benefit of caching there) minus a constant eviction-cost penalty
// (the cost of displacing whatever currently occupies the slot it
// would take), keep edges with positive net benefit whose margin can
// fit the assumed object size, sorted best-first. The standard greedy
// approximation for a 0/1 knapsack; the exact problem is NP-hard and
// not worth solving for a handful of edges.
func (a *PopularityAggregator) bestPlacementLocked(key string) []hashring.EdgeID {
	const evictionCost = 0.1

	perKey := a.samples[key]
	candidates := make([]placementCandidate, 0, len(perKey))
	for edge, s := range perKey {
		if s.isSourceCached {
			continue // already cached there, nothing to place
		}
		net := s.popularity - evictionCost
		if net <= 0 {
			continue
		}
		if a.margin != nil && a.margin(edge) < a.objectSize {
			continue
		}
		candidates = append(candidates, placementCandidate{edge: edge, netBenefit: net})
	}

	sortCandidatesDesc(candidates)

	out := make([]hashring.EdgeID, len(candidates))
	for i, c := range candidates {
		out[i] = c.edge
	}
	return out
}

func sortCandidatesDesc(c []placementCandidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].netBenefit > c[j-1].netBenefit; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// Popularity returns the most recently reported popularity for
// (key, src), if any.
func (a *PopularityAggregator) Popularity(key string, src hashring.EdgeID) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	perKey, ok := a.samples[key]
	if !ok {
		return 0, false
	}
	s, ok := perKey[src]
	if !ok {
		return 0, false
	}
	return s.popularity, true
}
