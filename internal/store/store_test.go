package store

import (
	"testing"

	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitRejectsDuplicate(t *testing.T) {
	s := New()
	require.True(t, s.Admit("a", wire.Value{Bytes: []byte("1")}, true))
	assert.False(t, s.Admit("a", wire.Value{Bytes: []byte("2")}, true))
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	present, valid, _ := s.Get("nope")
	assert.False(t, present)
	assert.False(t, valid)
}

func TestInvalidateThenRemoveIfInvalid(t *testing.T) {
	s := New()
	s.Admit("k", wire.Value{Bytes: []byte("v")}, true)

	assert.False(t, s.RemoveIfInvalidForGetResponse("k"), "valid entry must not be removed")

	require.True(t, s.Invalidate("k"))
	present, valid, _ := s.Get("k")
	assert.True(t, present)
	assert.False(t, valid)

	assert.True(t, s.RemoveIfInvalidForGetResponse("k"))
	present, _, _ = s.Get("k")
	assert.False(t, present)
}

func TestInvalidateIdempotent(t *testing.T) {
	s := New()
	s.Admit("k", wire.Value{Bytes: []byte("v")}, true)
	s.Invalidate("k")
	s.Invalidate("k")
	_, valid, _ := s.Get("k")
	assert.False(t, valid)
}

func TestUpdateRestoresValidity(t *testing.T) {
	s := New()
	s.Admit("k", wire.Value{Bytes: []byte("v1")}, true)
	s.Invalidate("k")
	require.True(t, s.Update("k", wire.Value{Bytes: []byte("v2")}))
	present, valid, val := s.Get("k")
	assert.True(t, present)
	assert.True(t, valid)
	assert.Equal(t, []byte("v2"), val.Bytes)
}

func TestUsedBytesTracksAdmitAndRemove(t *testing.T) {
	s := New()
	s.Admit("a", wire.Value{Bytes: make([]byte, 10)}, true)
	s.Admit("b", wire.Value{Bytes: make([]byte, 5)}, true)
	assert.EqualValues(t, 15, s.UsedBytes())
	s.Remove("a")
	assert.EqualValues(t, 5, s.UsedBytes())
}

type fakeIndex struct {
	order []string
	i     int
}

func (f *fakeIndex) PopLowestReward() (string, bool) {
	if f.i >= len(f.order) {
		return "", false
	}
	k := f.order[f.i]
	f.i++
	return k, true
}

func TestEvictFreesRequiredBytes(t *testing.T) {
	s := New()
	s.Admit("low", wire.Value{Bytes: make([]byte, 4)}, true)
	s.Admit("mid", wire.Value{Bytes: make([]byte, 4)}, true)
	s.Admit("keep", wire.Value{Bytes: make([]byte, 4)}, true)

	idx := &fakeIndex{order: []string{"low", "mid", "keep"}}
	victims := s.Evict(idx, 5)

	assert.Contains(t, victims, "low")
	assert.Contains(t, victims, "mid")
	assert.NotContains(t, victims, "keep")
	assert.EqualValues(t, 4, s.UsedBytes())
}

func TestEvictStopsWhenIndexExhausted(t *testing.T) {
	s := New()
	s.Admit("only", wire.Value{Bytes: make([]byte, 4)}, true)
	idx := &fakeIndex{order: []string{"only"}}
	victims := s.Evict(idx, 1000)
	assert.Len(t, victims, 1)
	assert.Equal(t, 0, s.Len())
}
