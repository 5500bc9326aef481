package covered

import (
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRewardSource struct {
	order []string
}

func (f *fakeRewardSource) GetLeastRewardKeyAndReward(rank int) (string, float64, bool) {
	if rank < 0 || rank >= len(f.order) {
		return "", 0, false
	}
	return f.order[rank], float64(rank), true
}

func TestVictimTrackerDetectsChange(t *testing.T) {
	vt := NewVictimTracker(2)
	src := &fakeRewardSource{order: []string{"a", "b", "c"}}
	assert.True(t, vt.Refresh(src))
	assert.False(t, vt.Refresh(src))

	src.order = []string{"a", "z", "c"}
	assert.True(t, vt.Refresh(src))
}

func TestVictimSyncsetDeltaOnlyNewKeys(t *testing.T) {
	vt := NewVictimTracker(3)
	src := &fakeRewardSource{order: []string{"a", "b", "c"}}
	vt.Refresh(src)

	first := vt.LocalVictimSyncsetFor(1, 1<<20)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, first)

	second := vt.LocalVictimSyncsetFor(1, 1<<20)
	assert.Empty(t, second)
}

func TestPopularityAggregatorFirstReportTriggersPlacement(t *testing.T) {
	agg := NewPopularityAggregator(0.2, 100, func(hashring.EdgeID) int64 { return 1 << 20 })
	edgeset, recomputed := agg.Update("k", 1, 5.0, true, false, true)
	require.True(t, recomputed)
	assert.Contains(t, edgeset, hashring.EdgeID(1))
}

func TestPopularityAggregatorSkipsSmallChange(t *testing.T) {
	agg := NewPopularityAggregator(0.5, 100, nil)
	agg.Update("k", 1, 10.0, true, false, false)
	_, recomputed := agg.Update("k", 1, 10.01, true, false, true)
	assert.False(t, recomputed)
}

func TestPopularityAggregatorRespectsMargin(t *testing.T) {
	agg := NewPopularityAggregator(0.2, 1000, func(hashring.EdgeID) int64 { return 0 })
	edgeset, _ := agg.Update("k", 2, 5.0, true, false, true)
	assert.NotContains(t, edgeset, hashring.EdgeID(2))
}

func TestRateCounterPrunesOldEvents(t *testing.T) {
	rc := NewRateCounter(10 * time.Millisecond)
	rc.Record()
	require.Equal(t, 1, rc.Count())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rc.Count())
}

func TestManagerIngestPopularityEnqueuesJob(t *testing.T) {
	mgr := New(4, 0.2, 10, nil, time.Second, nil, nil)
	mgr.IngestPopularity("k", 1, 5.0, true, false, true)
	select {
	case job := <-mgr.jobs:
		assert.Equal(t, "k", job.Key)
	default:
		t.Fatal("expected a queued placement job")
	}
}
