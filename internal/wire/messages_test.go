package wire

import (
	"testing"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() Header {
	return Header{
		SourceEdgeID: 3,
		SourceAddr:   NetworkAddr{Host: "10.0.0.5", Port: 9001},
		Events:       []Event{{Name: "directory_lookup", LatencyUs: 412}},
		Bandwidth: &BandwidthUsage{
			ClientEdgeBytes: 128, CrossEdgeDataBytes: 4096, EdgeCloudMsgs: 1,
		},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := h.Encode(nil)
	got, rest, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, h.SourceEdgeID, got.SourceEdgeID)
	assert.Equal(t, h.SourceAddr, got.SourceAddr)
	assert.Equal(t, h.Events, got.Events)
	require.NotNil(t, got.Bandwidth)
	assert.Equal(t, *h.Bandwidth, *got.Bandwidth)
}

func TestHeaderRoundTripNoBandwidth(t *testing.T) {
	h := Header{SourceEdgeID: 1, SourceAddr: NetworkAddr{Host: "127.0.0.1", Port: 4000}}
	buf := h.Encode(nil)
	got, _, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Nil(t, got.Bandwidth)
	assert.Empty(t, got.Events)
}

func TestLocalGetRoundTrip(t *testing.T) {
	req := &LocalGetRequest{Hdr: sampleHeader(), Key: "user:42"}
	buf := req.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got, ok := msg.(*LocalGetRequest)
	require.True(t, ok)
	assert.Equal(t, req.Key, got.Key)
	assert.Equal(t, req.Hdr.SourceEdgeID, got.Hdr.SourceEdgeID)
}

func TestLocalGetResponseRoundTripWithCoveredTrailer(t *testing.T) {
	resp := &LocalGetResponse{
		Hdr:   sampleHeader(),
		Key:   "user:42",
		Value: Value{Bytes: []byte("hello world")},
		Hit:   HitCooperative,
		Trailer: &CoveredTrailer{
			VictimSyncset:       []Key{"user:1", "user:2"},
			CollectedPopularity: 0.875,
			Edgeset:             []hashring.EdgeID{0, 2, 5},
		},
	}
	buf := resp.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got, ok := msg.(*LocalGetResponse)
	require.True(t, ok)
	assert.Equal(t, resp.Value.Bytes, got.Value.Bytes)
	assert.Equal(t, resp.Hit, got.Hit)
	require.NotNil(t, got.Trailer)
	assert.Equal(t, resp.Trailer.VictimSyncset, got.Trailer.VictimSyncset)
	assert.InDelta(t, resp.Trailer.CollectedPopularity, got.Trailer.CollectedPopularity, 1e-9)
	assert.Equal(t, resp.Trailer.Edgeset, got.Trailer.Edgeset)
}

func TestGlobalGetRoundTrip(t *testing.T) {
	req := &GlobalGetRequest{Hdr: sampleHeader(), Key: "user:42"}
	msg, err := DecodeMessage(req.Encode(nil))
	require.NoError(t, err)
	got, ok := msg.(*GlobalGetRequest)
	require.True(t, ok)
	assert.Equal(t, req.Key, got.Key)

	resp := &GlobalGetResponse{Hdr: sampleHeader(), Key: "user:42", Value: Value{Bytes: []byte("payload")}, Found: true}
	msg, err = DecodeMessage(resp.Encode(nil))
	require.NoError(t, err)
	gotResp, ok := msg.(*GlobalGetResponse)
	require.True(t, ok)
	assert.Equal(t, resp.Value.Bytes, gotResp.Value.Bytes)
	assert.True(t, gotResp.Found)
}

func TestGlobalPutDelRoundTrip(t *testing.T) {
	put := &GlobalPutRequest{Hdr: sampleHeader(), Key: "k", Value: Value{Bytes: []byte("v")}}
	msg, err := DecodeMessage(put.Encode(nil))
	require.NoError(t, err)
	gotPut, ok := msg.(*GlobalPutRequest)
	require.True(t, ok)
	assert.Equal(t, put.Value.Bytes, gotPut.Value.Bytes)

	del := &GlobalDelResponse{Hdr: sampleHeader(), Key: "k", OK: true}
	msg, err = DecodeMessage(del.Encode(nil))
	require.NoError(t, err)
	gotDel, ok := msg.(*GlobalDelResponse)
	require.True(t, ok)
	assert.True(t, gotDel.OK)
}

func TestLocalGetResponseRoundTripWithoutTrailer(t *testing.T) {
	resp := &LocalGetResponse{
		Hdr:   sampleHeader(),
		Key:   "k",
		Value: Value{Deleted: true},
		Hit:   HitGlobalMiss,
	}
	buf := resp.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*LocalGetResponse)
	assert.Nil(t, got.Trailer)
	assert.True(t, got.Value.Deleted)
	assert.Zero(t, got.Value.Size())
}

func TestAcquireWritelockResponseRoundTrip(t *testing.T) {
	resp := &AcquireWritelockResponse{Hdr: sampleHeader(), Key: "k1", Result: AcquireNoNeed}
	buf := resp.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*AcquireWritelockResponse)
	assert.Equal(t, AcquireNoNeed, got.Result)
	assert.Nil(t, got.Trailer)
}

func TestDirectoryUpdateRequestRoundTripWithCoveredTrailer(t *testing.T) {
	req := &DirectoryUpdateRequest{
		Hdr:     sampleHeader(),
		Key:     "user:42",
		IsAdmit: true,
		Info:    DirectoryInfo{EdgeID: 3, Valid: true},
		Trailer: &CoveredTrailer{
			VictimSyncset:       []Key{"user:7"},
			CollectedPopularity: 1.5,
		},
	}
	buf := req.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got, ok := msg.(*DirectoryUpdateRequest)
	require.True(t, ok)
	assert.True(t, got.IsAdmit)
	assert.Equal(t, req.Info, got.Info)
	require.NotNil(t, got.Trailer)
	assert.Equal(t, req.Trailer.VictimSyncset, got.Trailer.VictimSyncset)
	assert.InDelta(t, req.Trailer.CollectedPopularity, got.Trailer.CollectedPopularity, 1e-9)
}

func TestAcquireWritelockRequestRoundTripWithoutTrailer(t *testing.T) {
	req := &AcquireWritelockRequest{Hdr: sampleHeader(), Key: "k1"}
	buf := req.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*AcquireWritelockRequest)
	assert.Equal(t, "k1", got.Key)
	assert.Nil(t, got.Trailer)
}

func TestReleaseWritelockResponseRoundTripWithCoveredTrailer(t *testing.T) {
	resp := &ReleaseWritelockResponse{
		Hdr: sampleHeader(),
		Key: "k1",
		OK:  true,
		Trailer: &CoveredTrailer{
			Edgeset: []hashring.EdgeID{1, 4},
		},
	}
	buf := resp.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*ReleaseWritelockResponse)
	assert.True(t, got.OK)
	require.NotNil(t, got.Trailer)
	assert.Equal(t, resp.Trailer.Edgeset, got.Trailer.Edgeset)
}

func TestDirectoryLookupResponseRoundTrip(t *testing.T) {
	resp := &DirectoryLookupResponse{
		Hdr:          sampleHeader(),
		Key:          "k1",
		BeingWritten: true,
		ValidExists:  false,
		Info:         DirectoryInfo{EdgeID: 7, Valid: true},
	}
	buf := resp.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*DirectoryLookupResponse)
	assert.True(t, got.BeingWritten)
	assert.False(t, got.ValidExists)
	assert.Equal(t, resp.Info, got.Info)
}

func TestSwitchSlotRoundTrip(t *testing.T) {
	req := &SwitchSlotRequest{Hdr: sampleHeader(), Slot: 17}
	buf := req.Encode(nil)
	msg, err := DecodeMessage(buf)
	require.NoError(t, err)
	got := msg.(*SwitchSlotRequest)
	assert.EqualValues(t, 17, got.Slot)
}

func TestDecodeMessageShortBufferErrors(t *testing.T) {
	_, err := DecodeMessage([]byte{byte(TypeLocalGetRequest)})
	assert.Error(t, err)
}

func TestValueClone(t *testing.T) {
	v := Value{Bytes: []byte("abc")}
	c := v.Clone()
	c.Bytes[0] = 'z'
	assert.Equal(t, byte('a'), v.Bytes[0])
}
