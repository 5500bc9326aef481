package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("edgecache-payload-"), 200)
	dgrams := Fragment(payload, 64, 5)
	require.Greater(t, len(dgrams), 1)

	r := NewReassembler(0)
	var got []byte
	var done bool
	for _, d := range dgrams {
		hdr, rest, err := DecodeFragmentHeader(d)
		require.NoError(t, err)
		got, done = r.Add("10.0.0.1:5000", hdr, rest)
	}
	require.True(t, done)
	assert.Equal(t, payload, got)
}

func TestReassembleOutOfOrder(t *testing.T) {
	payload := []byte("0123456789abcdef")
	dgrams := Fragment(payload, 4, 1)
	require.Len(t, dgrams, 4)

	r := NewReassembler(0)
	order := []int{2, 0, 3, 1}
	var got []byte
	var done bool
	for _, i := range order {
		hdr, rest, err := DecodeFragmentHeader(dgrams[i])
		require.NoError(t, err)
		got, done = r.Add("10.0.0.2:1234", hdr, rest)
	}
	require.True(t, done)
	assert.Equal(t, payload, got)
}

func TestReassemblerDropsOlderSeqnum(t *testing.T) {
	r := NewReassembler(0)
	addr := "10.0.0.3:9000"

	newer := Fragment([]byte("new-message"), 1024, 10)
	for _, d := range newer {
		hdr, rest, _ := DecodeFragmentHeader(d)
		r.Add(addr, hdr, rest)
	}

	older := Fragment([]byte("stale-message"), 1024, 3)
	hdr, rest, err := DecodeFragmentHeader(older[0])
	require.NoError(t, err)
	_, done := r.Add(addr, hdr, rest)
	assert.False(t, done)
}

func TestReassemblerSweepsStaleEntries(t *testing.T) {
	r := NewReassembler(time.Millisecond)
	dgrams := Fragment([]byte("abcdefgh"), 2, 1)
	hdr0, rest0, _ := DecodeFragmentHeader(dgrams[0])
	_, done := r.Add("10.0.0.4:1111", hdr0, rest0)
	assert.False(t, done)

	time.Sleep(5 * time.Millisecond)

	// A later, unrelated message triggers the sweep of the stale partial.
	other := Fragment([]byte("zz"), 2, 1)
	hdr1, rest1, _ := DecodeFragmentHeader(other[0])
	r.Add("10.0.0.5:2222", hdr1, rest1)

	r.mu.Lock()
	_, stillThere := r.inflight[reassemblyKey{addr: "10.0.0.4:1111", seqnum: 1}]
	r.mu.Unlock()
	assert.False(t, stillThere)
}
