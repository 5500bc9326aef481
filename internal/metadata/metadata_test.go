package metadata

import (
	"testing"

	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddForNewKeyRejectsDuplicate(t *testing.T) {
	m := New(64, 8, nil)
	assert.True(t, m.IsKeyExist("a") == false)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("v")}, nil, false)
	changed := m.AddForNewKey("a", wire.Value{Bytes: []byte("v2")}, nil, false)
	assert.False(t, changed)
	assert.True(t, m.IsKeyExist("a"))
}

func TestRewardOrderingLowestFirst(t *testing.T) {
	m := New(64, 8, nil)
	m.AddForNewKey("hot", wire.Value{Bytes: []byte("x")}, nil, false)
	m.AddForNewKey("cold", wire.Value{Bytes: []byte("x")}, nil, false)

	for i := 0; i < 5; i++ {
		m.UpdateNoValueStats("hot", false, false)
	}

	key, _, ok := m.GetLeastRewardKeyAndReward(0)
	require.True(t, ok)
	assert.Equal(t, "cold", key)
}

func TestPopLowestRewardRemovesEntry(t *testing.T) {
	m := New(64, 8, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("x")}, nil, false)
	m.AddForNewKey("b", wire.Value{Bytes: []byte("x")}, nil, false)

	key, ok := m.PopLowestReward()
	require.True(t, ok)
	assert.False(t, m.IsKeyExist(key))

	_, ok = m.PopLowestReward()
	require.True(t, ok)
	_, ok = m.PopLowestReward()
	assert.False(t, ok)
}

func TestGroupAdvancesAfterPergroupMax(t *testing.T) {
	m := New(2, 8, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("x")}, nil, false)
	m.AddForNewKey("b", wire.Value{Bytes: []byte("x")}, nil, false)
	m.AddForNewKey("c", wire.Value{Bytes: []byte("x")}, nil, false)

	ha := m.lookup["a"]
	hc := m.lookup["c"]
	assert.NotEqual(t, m.arena[ha.idx].groupID, m.arena[hc.idx].groupID)
}

func TestRemoveForExistingKeyDestroysEmptyGroup(t *testing.T) {
	m := New(64, 8, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("x")}, nil, false)
	h := m.lookup["a"]
	gid := m.arena[h.idx].groupID

	require.True(t, m.RemoveForExistingKey("a"))
	_, exists := m.groups[gid]
	assert.False(t, exists)
}

func TestIsWithinTargetLeastRewardRank(t *testing.T) {
	m := New(64, 1, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("x")}, nil, false)
	m.AddForNewKey("b", wire.Value{Bytes: []byte("x")}, nil, false)
	for i := 0; i < 3; i++ {
		m.UpdateNoValueStats("b", false, false)
	}
	assert.True(t, m.IsWithinTargetLeastRewardRank("a", 1))
	assert.False(t, m.IsWithinTargetLeastRewardRank("b", 1))
}

func TestHandleArenaReusesFreedSlots(t *testing.T) {
	m := New(64, 8, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("x")}, nil, false)
	m.RemoveForExistingKey("a")
	m.AddForNewKey("b", wire.Value{Bytes: []byte("x")}, nil, false)
	assert.Len(t, m.freeList, 0)
	assert.True(t, m.IsKeyExist("b"))
}

func TestUncachedTrackAndPopularity(t *testing.T) {
	u := NewUncached(1024)
	u.Track("k1", 10)
	u.Track("k1", 10)
	pop, ok := u.Popularity("k1")
	require.True(t, ok)
	assert.Greater(t, pop, 0.0)

	_, ok = u.Popularity("nope")
	assert.False(t, ok)
}

func TestUncachedEvictsByByteBudget(t *testing.T) {
	u := NewUncached(25)
	u.Track("a", 10)
	u.Track("b", 10)
	u.Track("c", 10)
	assert.LessOrEqual(t, u.SizeForCapacity(), int64(25))
	assert.Equal(t, 2, u.Len())
}
