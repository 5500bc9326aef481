package covered

import (
	"sync"

	"github.com/covered-cache/edgecache/internal/hashring"
)

// rewardSource is the slice of internal/metadata.Cached the victim
// tracker needs -- just enough surface to probe the reward-ordered
// index, so this package never imports metadata's concrete type and
// the two can be wired together by their caller.
type rewardSource interface {
	GetLeastRewardKeyAndReward(rank int) (key string, reward float64, ok bool)
}

// VictimTracker monitors the lowest-reward N keys on this edge and
// produces the compact victim-sync delta piggybacked on outgoing
// control messages. It recomputes the full top-N on every refresh and
// diffs against the last reported set to find what changed;
// internal/metadata.Cached gives O(1) rank access, so no separate
// victim cache is kept.
type VictimTracker struct {
	mu       sync.Mutex
	topN     int
	lastSet  map[string]struct{}
	reported map[hashring.EdgeID]map[string]struct{} // last delta sent per destination
}

// NewVictimTracker builds a tracker watching the lowest topN keys.
func NewVictimTracker(topN int) *VictimTracker {
	if topN <= 0 {
		topN = 8
	}
	return &VictimTracker{
		topN:     topN,
		lastSet:  make(map[string]struct{}),
		reported: make(map[hashring.EdgeID]map[string]struct{}),
	}
}

// Refresh recomputes the current lowest-reward set from src and
// records whether it changed since the last Refresh.
func (t *VictimTracker) Refresh(src rewardSource) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]struct{}, t.topN)
	for rank := 0; rank < t.topN; rank++ {
		key, _, ok := src.GetLeastRewardKeyAndReward(rank)
		if !ok {
			break
		}
		next[key] = struct{}{}
	}

	changed = !sameSet(t.lastSet, next)
	t.lastSet = next
	return changed
}

// LocalVictimSyncsetFor produces the delta targeted at dst: the
// portion of the current lowest-reward set dst has not already been
// told about, bounded so the piggybacked trailer never exceeds
// marginBytes worth of keys at an assumed average key size.
func (t *VictimTracker) LocalVictimSyncsetFor(dst hashring.EdgeID, marginBytes int64) []string {
	const assumedKeyOverhead = 64

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.reported[dst]
	out := make([]string, 0, len(t.lastSet))
	budget := marginBytes
	for key := range t.lastSet {
		if _, already := prev[key]; already {
			continue
		}
		if marginBytes > 0 && budget < assumedKeyOverhead {
			break
		}
		out = append(out, key)
		budget -= assumedKeyOverhead
	}

	sent := make(map[string]struct{}, len(t.lastSet))
	for k := range t.lastSet {
		if _, already := prev[k]; already {
			sent[k] = struct{}{}
		}
	}
	for _, k := range out {
		sent[k] = struct{}{}
	}
	t.reported[dst] = sent
	return out
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
