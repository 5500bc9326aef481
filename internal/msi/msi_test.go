package msi

import (
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireNoNeed(t *testing.T) {
	tr := New(4)
	res := tr.TryAcquire("k", 1, false)
	assert.Equal(t, AcquireNoNeed, res)
	assert.False(t, tr.IsBeingWritten("k"))
}

func TestTryAcquireSuccessThenFailure(t *testing.T) {
	tr := New(4)
	res := tr.TryAcquire("k", 1, true)
	assert.Equal(t, AcquireSuccess, res)
	assert.True(t, tr.IsBeingWritten("k"))

	res2 := tr.TryAcquire("k", 2, true)
	assert.Equal(t, AcquireFailure, res2)
}

func TestReleaseUnblocksWaiters(t *testing.T) {
	tr := New(4)
	require.Equal(t, AcquireSuccess, tr.TryAcquire("k", 1, true))
	require.Equal(t, AcquireFailure, tr.TryAcquire("k", 2, true))

	done := make(chan struct{})
	go func() {
		tr.Wait("k", 2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waiter unblocked before release")
	case <-time.After(20 * time.Millisecond):
	}

	edges := tr.Release("k")
	assert.Contains(t, edges, hashring.EdgeID(2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked after release")
	}
	assert.False(t, tr.IsBeingWritten("k"))
}

func TestReleaseIdempotent(t *testing.T) {
	tr := New(4)
	tr.TryAcquire("k", 1, true)
	first := tr.Release("k")
	second := tr.Release("k")
	assert.NotNil(t, first)
	assert.Nil(t, second)
}

func TestWriterTracksHolder(t *testing.T) {
	tr := New(4)
	_, ok := tr.Writer("k")
	assert.False(t, ok)

	tr.TryAcquire("k", 7, true)
	writer, ok := tr.Writer("k")
	require.True(t, ok)
	assert.EqualValues(t, 7, writer)

	tr.Release("k")
	_, ok = tr.Writer("k")
	assert.False(t, ok)
}

func TestBlockIfBeingWrittenOnlyWhenWriting(t *testing.T) {
	tr := New(4)
	assert.False(t, tr.BlockIfBeingWritten("k", 9))
	tr.TryAcquire("k", 1, true)
	assert.True(t, tr.BlockIfBeingWritten("k", 9))
}
