package cacheserver

import (
	"context"
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/beaconserver"
	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/nodectx"
	"github.com/covered-cache/edgecache/internal/origin"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/require"
)

// singleEdgeServer builds a one-node Server that is its own beacon
// for every key (edge_count=1).
func singleEdgeServer(t *testing.T, capacityBytes int64) *Server {
	t.Helper()
	cfg := &config.Config{
		EdgeCount:        1,
		CapacityBytes:    capacityBytes,
		DirectoryStripes: 4,
		PergroupMaxKeys:  16,
		Edges:            []config.EdgeAddr{{EdgeID: 0, ClientAddr: "127.0.0.1:0", PeerAddr: "127.0.0.1:0", BeaconAddr: "127.0.0.1:0"}},
		AckTimeout:       200 * time.Millisecond,
	}
	ctx := nodectx.New(cfg, 0)

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

	beaconSrv := beaconserver.New(ctx, rpcClient, nil)
	sim := transport.NewSimulator(cfg.Propagation)
	return New(ctx, ctx.Ring, beaconSrv, rpcClient, sim, origin.NewMemory(), nil)
}

func TestPutThenGetLocalHit(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", wire.Value{Bytes: []byte("1")}))

	v, hit, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, wire.HitLocal, hit)
	require.Equal(t, []byte("1"), v.Bytes)
}

func TestGetMissesToOrigin(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	ctx := context.Background()
	require.NoError(t, s.origin.Put(ctx, "seeded", []byte("from-origin")))

	v, hit, err := s.Get(ctx, "seeded")
	require.NoError(t, err)
	require.Equal(t, wire.HitGlobalMiss, hit)
	require.Equal(t, []byte("from-origin"), v.Bytes)

	// Second get now hits locally: the miss path admits on read.
	v2, hit2, err := s.Get(ctx, "seeded")
	require.NoError(t, err)
	require.Equal(t, wire.HitLocal, hit2)
	require.Equal(t, []byte("from-origin"), v2.Bytes)
}

func TestDelRemovesLocalEntry(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", wire.Value{Bytes: []byte("1")}))
	require.NoError(t, s.Del(ctx, "a"))

	require.Equal(t, 0, s.Len())
}

// TestCapacityDrivenEviction: admissions past capacity evict, so the
// store never grows beyond two entries. The assertion checks only that
// bound, not which key was evicted.
func TestCapacityDrivenEviction(t *testing.T) {
	// Each value is 1 byte, and capacity also pays a fixed metadata
	// overhead per cached entry, so 2 bytes cannot hold even two
	// entries: each admission evicts what is already cached.
	s := singleEdgeServer(t, 2)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", wire.Value{Bytes: []byte("1")}))
	require.NoError(t, s.Put(ctx, "k2", wire.Value{Bytes: []byte("2")}))
	require.NoError(t, s.Put(ctx, "k3", wire.Value{Bytes: []byte("3")}))

	require.LessOrEqual(t, s.Len(), 2)
}

// Two consecutive invalidate calls on the store leave the same state
// as one.
func TestInvalidateIdempotent(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", wire.Value{Bytes: []byte("1")}))

	s.handleInvalidation("a")
	_, valid, _ := s.store.Get("a")
	require.False(t, valid)

	s.handleInvalidation("a")
	_, valid2, _ := s.store.Get("a")
	require.False(t, valid2)
}

func TestHandleMessageRejectsUnknownType(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	_, ok := s.HandleMessage(context.Background(), &wire.SimpleFinishrunResponse{})
	require.False(t, ok)
}

func TestAdmitPlacementBypassesWritelock(t *testing.T) {
	s := singleEdgeServer(t, 1<<20)
	ctx := context.Background()

	s.AdmitPlacement(ctx, "p", wire.Value{Bytes: []byte("placed")})

	v, hit, err := s.Get(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, wire.HitLocal, hit)
	require.Equal(t, []byte("placed"), v.Bytes)
}
