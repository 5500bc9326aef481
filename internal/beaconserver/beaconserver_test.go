package beaconserver

import (
	"context"
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/nodectx"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T, self hashring.EdgeID, edges []config.EdgeAddr) *nodectx.Context {
	t.Helper()
	cfg := &config.Config{
		EdgeCount:        len(edges),
		Edges:            edges,
		CapacityBytes:    1 << 20,
		DirectoryStripes: 4,
		AckTimeout:       200 * time.Millisecond,
	}
	return nodectx.New(cfg, self)
}

// ackingPeer starts a UDP listener that replies to every Invalidation
// or FinishBlock request with its matching response, mimicking a
// remote cache server's acknowledgement path without pulling in
// internal/cacheserver.
func ackingPeer(t *testing.T) (addr wire.NetworkAddr, stop func()) {
	t.Helper()
	conn, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		switch m := msg.(type) {
		case *wire.InvalidationRequest:
			conn.Send(from, &wire.InvalidationResponse{Hdr: m.Hdr, Key: m.Key})
		case *wire.FinishBlockRequest:
			conn.Send(from, &wire.FinishBlockResponse{Hdr: m.Hdr, Key: m.Key})
		}
	})
	return conn.LocalAddr(), func() { cancel(); conn.Close() }
}

func newServerWithAddrs(t *testing.T, self hashring.EdgeID, peerAddrs map[hashring.EdgeID]wire.NetworkAddr) *Server {
	t.Helper()
	edges := []config.EdgeAddr{{EdgeID: int(self), PeerAddr: "127.0.0.1:0", ClientAddr: "127.0.0.1:0", BeaconAddr: "127.0.0.1:0"}}
	for id, addr := range peerAddrs {
		edges = append(edges, config.EdgeAddr{EdgeID: int(id), PeerAddr: addr.String(), ClientAddr: addr.String(), BeaconAddr: addr.String()})
	}
	ctx := newTestContext(t, self, edges)

	conn, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	rpcClient := rpc.NewClient(conn)
	gctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go conn.Serve(gctx, func(msg wire.Message, from wire.NetworkAddr) {
		key, _ := wire.KeyOf(msg)
		rpcClient.Dispatch(from, key, msg)
	})

	return New(ctx, rpcClient, nil)
}

func TestDirectoryLookupReportsValidExists(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	s.dir.Update("k", true, 7)

	resp := s.DirectoryLookup(&wire.DirectoryLookupRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"}, 2)
	assert.True(t, resp.ValidExists)
	assert.Equal(t, hashring.EdgeID(7), resp.Info.EdgeID)
	assert.False(t, resp.BeingWritten)
}

func TestDirectoryLookupBlocksWhenBeingWritten(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	s.dir.Update("k", true, 7)
	s.msi.TryAcquire("k", 9, true)

	resp := s.DirectoryLookup(&wire.DirectoryLookupRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"}, 2)
	assert.True(t, resp.BeingWritten)
}

func TestDirectoryUpdateRecordsCacher(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	resp := s.DirectoryUpdate(&wire.DirectoryUpdateRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k", IsAdmit: true, Info: wire.DirectoryInfo{EdgeID: 3, Valid: true}})
	assert.False(t, resp.BeingWritten)

	exists, edge, valid := s.dir.Lookup("k")
	require.True(t, exists)
	assert.True(t, valid)
	assert.Equal(t, hashring.EdgeID(3), edge)
}

func TestAcquireWritelockNoNeedWhenNoCachers(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	resp := s.AcquireWritelock(context.Background(), &wire.AcquireWritelockRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"}, 2)
	assert.Equal(t, wire.AcquireNoNeed, resp.Result)
}

func TestAcquireWritelockSucceedsAndInvalidatesReplicas(t *testing.T) {
	peerAddr, stop := ackingPeer(t)
	defer stop()

	s := newServerWithAddrs(t, 1, map[hashring.EdgeID]wire.NetworkAddr{5: peerAddr})
	s.dir.Update("k", true, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := s.AcquireWritelock(ctx, &wire.AcquireWritelockRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"}, 2)
	assert.Equal(t, wire.AcquireSuccess, resp.Result)
}

func TestAcquireWritelockFailsWhenAlreadyHeld(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	s.dir.Update("k", true, 5)
	s.msi.TryAcquire("k", 9, true)

	resp := s.AcquireWritelock(context.Background(), &wire.AcquireWritelockRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"}, 2)
	assert.Equal(t, wire.AcquireFailure, resp.Result)
}

func TestReleaseWritelockWakesBlockedEdges(t *testing.T) {
	peerAddr, stop := ackingPeer(t)
	defer stop()

	s := newServerWithAddrs(t, 1, map[hashring.EdgeID]wire.NetworkAddr{5: peerAddr})
	s.msi.TryAcquire("k", 9, true)
	s.msi.BlockIfBeingWritten("k", 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := s.ReleaseWritelock(ctx, &wire.ReleaseWritelockRequest{Hdr: wire.Header{SourceEdgeID: 9}, Key: "k"}, 9)
	assert.True(t, resp.OK)
	assert.False(t, s.msi.IsBeingWritten("k"))
}

func TestHandleMessageDispatchesKnownTypes(t *testing.T) {
	s := newServerWithAddrs(t, 1, nil)
	resp, ok := s.HandleMessage(context.Background(), &wire.DirectoryLookupRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"})
	assert.True(t, ok)
	_, isLookupResp := resp.(*wire.DirectoryLookupResponse)
	assert.True(t, isLookupResp)

	_, ok = s.HandleMessage(context.Background(), &wire.LocalGetRequest{Hdr: wire.Header{SourceEdgeID: 2}, Key: "k"})
	assert.False(t, ok)
}
