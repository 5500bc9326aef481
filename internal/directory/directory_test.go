package directory

import (
	"testing"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/stretchr/testify/assert"
)

func TestLookupMissing(t *testing.T) {
	tab := New(4)
	exists, _, _ := tab.Lookup("k")
	assert.False(t, exists)
}

func TestUpdateAdmitThenLookup(t *testing.T) {
	tab := New(4)
	tab.Update("k", true, 2)
	exists, edge, valid := tab.Lookup("k")
	assert.True(t, exists)
	assert.True(t, valid)
	assert.EqualValues(t, 2, edge)
}

func TestUpdateRemoveDestroysEmptyEntry(t *testing.T) {
	tab := New(4)
	tab.Update("k", true, 1)
	tab.Update("k", false, 1)
	exists, _, _ := tab.Lookup("k")
	assert.False(t, exists)
}

func TestLowestIDTieBreak(t *testing.T) {
	tab := New(4)
	tab.Update("k", true, 5)
	tab.Update("k", true, 1)
	tab.Update("k", true, 3)
	_, edge, _ := tab.Lookup("k")
	assert.EqualValues(t, 1, edge)
}

func TestIsLastCopy(t *testing.T) {
	tab := New(4)
	tab.Update("k", true, 1)
	assert.True(t, tab.IsLastCopy("k", 1))
	tab.Update("k", true, 2)
	assert.False(t, tab.IsLastCopy("k", 1))
}

func TestAllCachers(t *testing.T) {
	tab := New(4)
	tab.Update("k", true, 1)
	tab.Update("k", true, 2)
	all := tab.AllCachers("k")
	assert.ElementsMatch(t, []hashring.EdgeID{1, 2}, all)
}

func TestRemoveUnknownKeyIsNoop(t *testing.T) {
	tab := New(4)
	assert.NotPanics(t, func() { tab.Update("missing", false, 1) })
}
