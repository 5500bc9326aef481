// Package node wires one edge's client-facing, peer-facing, and
// beacon ingresses into a single runnable process. The three sockets
// answer different message families, so each gets its own port.
//
// Nothing else in this module opens a socket or owns a goroutine that
// outlives a single call: internal/cacheserver, internal/beaconserver
// and internal/covered are pure request handlers and background
// processors constructed from collaborators passed in. This package is
// where those collaborators are actually built and threaded through.
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/beaconserver"
	"github.com/covered-cache/edgecache/internal/cacheserver"
	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/covered"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/nodectx"
	"github.com/covered-cache/edgecache/internal/origin"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
)

// Node is one edge: its client/peer/beacon sockets, the cache server
// and beacon server built on top of them, and (for the COVERED
// variant) the popularity/victim/placement manager.
type Node struct {
	Ctx *nodectx.Context

	clientConn *transport.Conn
	peerConn   *transport.Conn
	beaconConn *transport.Conn

	// One propagation queue per outbound link class:
	// replies to clients pay the client-edge delay, replies to peers and
	// beacon callers the edge-peer delay. Requests this node originates
	// pay their delay at the call site via the Simulator instead, since
	// rpc.Call owns those sends.
	clientQ *transport.Queue
	peerQ   *transport.Queue
	beaconQ *transport.Queue

	peerRPC   *rpc.Client
	beaconRPC *rpc.Client

	Cache   *cacheserver.Server
	Beacon  *beaconserver.Server
	Covered *covered.Manager
	Origin  origin.Store

	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New builds and binds every socket for edge id self against cfg, but
// does not yet start serving -- call Run for that. Building sockets
// eagerly (rather than lazily in Run) lets a caller discover a bind
// failure before committing to the run loop.
func New(cfg *config.Config, self hashring.EdgeID) (*Node, error) {
	ctx := nodectx.New(cfg, self)

	addr, ok := addrFor(cfg, self)
	if !ok {
		return nil, fmt.Errorf("node: no edge entry for id %d", self)
	}

	clientConn, err := transport.Listen(addr.ClientAddr, ctx.Log.Named("client-conn"))
	if err != nil {
		return nil, fmt.Errorf("node: client listen: %w", err)
	}
	peerConn, err := transport.Listen(addr.PeerAddr, ctx.Log.Named("peer-conn"))
	if err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("node: peer listen: %w", err)
	}
	beaconConn, err := transport.Listen(addr.BeaconAddr, ctx.Log.Named("beacon-conn"))
	if err != nil {
		clientConn.Close()
		peerConn.Close()
		return nil, fmt.Errorf("node: beacon listen: %w", err)
	}

	sim := transport.NewSimulator(cfg.Propagation)
	peerRPC := rpc.NewClient(peerConn)
	beaconRPC := rpc.NewClient(beaconConn)

	originStore, err := buildOrigin(cfg, self, peerRPC, peerConn.LocalAddr())
	if err != nil {
		clientConn.Close()
		peerConn.Close()
		beaconConn.Close()
		return nil, err
	}

	n := &Node{
		Ctx:        ctx,
		clientConn: clientConn,
		peerConn:   peerConn,
		beaconConn: beaconConn,
		clientQ:    transport.NewQueue(clientConn, cfg.Propagation.ClientEdgeUs, 1024, ctx.Log.Named("client-queue")),
		peerQ:      transport.NewQueue(peerConn, cfg.Propagation.EdgePeerUs, 1024, ctx.Log.Named("peer-queue")),
		beaconQ:    transport.NewQueue(beaconConn, cfg.Propagation.EdgePeerUs, 1024, ctx.Log.Named("beacon-queue")),
		peerRPC:    peerRPC,
		beaconRPC:  beaconRPC,
		Origin:     originStore,
	}

	var cov *covered.Manager
	if ctx.IsCoveredVariant() {
		cov = covered.New(
			cfg.Covered.VictimSetSize,
			cfg.Covered.PopularityChangeRatio,
			defaultObjectSize(cfg),
			n.margin,
			time.Duration(cfg.Covered.RateCounterWindow)*time.Second,
			ctx.Log.Named("covered"),
			ctx.Metrics,
		)
	}

	beaconSrv := beaconserver.New(ctx, beaconRPC, cov)
	cacheSrv := cacheserver.New(ctx, ctx.Ring, beaconSrv, peerRPC, sim, originStore, cov)

	if cov != nil {
		deployer := covered.NewPlacementDeployer(
			n.fetchForPlacement(cacheSrv),
			n.admitForPlacement(cacheSrv),
			n.directoryUpdateForPlacement(cacheSrv),
			ctx.Log.Named("covered-deployer"),
			ctx.Metrics,
		)
		cov.SetDeployer(deployer)
	}

	n.Beacon = beaconSrv
	n.Cache = cacheSrv
	n.Covered = cov

	if cfg.SnapshotPath != "" {
		if found, err := cacheSrv.RestoreMetadataSnapshot(cfg.SnapshotPath); err != nil {
			ctx.Log.Warnw("node: metadata snapshot restore failed", "path", cfg.SnapshotPath, "err", err)
		} else if found {
			ctx.Log.Infow("node: restored metadata snapshot", "path", cfg.SnapshotPath)
		}
	}

	return n, nil
}

func addrFor(cfg *config.Config, self hashring.EdgeID) (config.EdgeAddr, bool) {
	for _, e := range cfg.Edges {
		if hashring.EdgeID(e.EdgeID) == self {
			return e, true
		}
	}
	return config.EdgeAddr{}, false
}

// buildOrigin picks this edge's view of the authoritative origin: a
// shared cloud node over the GlobalGet/Put/Del wire family when
// cloud_addr is configured, otherwise an in-process store -- bbolt-backed if
// origin_path names a file, in-memory for tests and single-edge demos.
// Remote replies land on the peer socket, which handlePeer already
// routes through peerRPC.Dispatch.
func buildOrigin(cfg *config.Config, self hashring.EdgeID, peerRPC *rpc.Client, from wire.NetworkAddr) (origin.Store, error) {
	if cfg.CloudAddr != "" {
		dst := nodectx.ParseAddr(cfg.CloudAddr)
		if !dst.Valid() {
			return nil, fmt.Errorf("node: malformed cloud_addr %q", cfg.CloudAddr)
		}
		return origin.NewRemote(peerRPC, dst, self, from, cfg.AckTimeout), nil
	}
	if cfg.OriginPath == "" {
		return origin.NewMemory(), nil
	}
	return origin.OpenBolt(cfg.OriginPath)
}

// defaultObjectSize seeds the popularity aggregator's assumed
// per-object byte cost from the run's pergroup sizing knob, since the
// wire protocol carries no separate "typical object size" field.
func defaultObjectSize(cfg *config.Config) int64 {
	if cfg.PergroupMaxKeys <= 0 {
		return 4096
	}
	size := cfg.CapacityBytes / int64(cfg.EdgeCount) / int64(cfg.PergroupMaxKeys)
	if size <= 0 {
		return 4096
	}
	return size
}

// margin reports edge's live cache headroom for this node (exact, via
// UsedBytes) and the configured full capacity for any other edge --
// the wire protocol has no RPC to query a peer's live usage, so a
// remote edge's margin is conservatively approximated by its
// configured capacity rather than guessed from stale popularity
// samples.
func (n *Node) margin(edge hashring.EdgeID) int64 {
	if n.Ctx.Ring.IsLocalTarget(edge) {
		room := n.Ctx.Config.CapacityBytes - n.Cache.UsedBytes()
		if room < 0 {
			return 0
		}
		return room
	}
	return n.Ctx.Config.CapacityBytes
}

func (n *Node) fetchForPlacement(cacheSrv *cacheserver.Server) covered.FetchFunc {
	return func(ctx context.Context, key string) (wire.Value, error) {
		value, _, err := cacheSrv.Get(ctx, key)
		return value, err
	}
}

func (n *Node) admitForPlacement(cacheSrv *cacheserver.Server) covered.AdmitFunc {
	return func(ctx context.Context, edge hashring.EdgeID, key string, value wire.Value) error {
		if n.Ctx.Ring.IsLocalTarget(edge) {
			cacheSrv.AdmitPlacement(ctx, key, value)
			return nil
		}
		dst := n.Ctx.Addrs.Peer(edge)
		req := &wire.PlacementAdmitRequest{Hdr: wire.Header{SourceEdgeID: n.Ctx.Self, SourceAddr: n.peerConn.LocalAddr()}, Key: key, Value: value}
		resp, err := n.peerRPC.Call(ctx, dst, key, req, wire.TypePlacementAdmitResponse, n.Ctx.Config.AckTimeout, 3)
		if err != nil {
			return fmt.Errorf("node: placement admit on edge %d: %w", edge, err)
		}
		r, ok := resp.(*wire.PlacementAdmitResponse)
		if !ok || !r.OK {
			return fmt.Errorf("node: placement admit on edge %d rejected", edge)
		}
		return nil
	}
}

func (n *Node) directoryUpdateForPlacement(cacheSrv *cacheserver.Server) covered.DirectoryUpdateFunc {
	return func(ctx context.Context, key string, edge hashring.EdgeID) error {
		if n.Ctx.Ring.IsLocalTarget(edge) {
			cacheSrv.DirectoryUpdate(ctx, key, true)
			return nil
		}
		req := &wire.DirectoryUpdateRequest{Hdr: wire.Header{SourceEdgeID: n.Ctx.Self, SourceAddr: n.peerConn.LocalAddr()}, Key: key, IsAdmit: true, Info: wire.DirectoryInfo{EdgeID: edge, Valid: true}}
		if n.Ctx.Ring.IsLocalBeacon([]byte(key)) {
			n.Beacon.DirectoryUpdate(req)
			return nil
		}
		dst := n.Ctx.Addrs.Beacon(n.Ctx.Ring.Beacon([]byte(key)))
		if _, err := n.peerRPC.Call(ctx, dst, key, req, wire.TypeDirectoryUpdateResponse, n.Ctx.Config.AckTimeout, 3); err != nil {
			return fmt.Errorf("node: placement directory update for edge %d: %w", edge, err)
		}
		return nil
	}
}

// Run serves all three sockets and the COVERED background placement
// loop until ctx is canceled; cancellation plays the role of a global
// is-running flag, observed at every retry and poll point. It blocks
// until every goroutine it started has returned.
func (n *Node) Run(ctx context.Context) error {
	for _, q := range []*transport.Queue{n.clientQ, n.peerQ, n.beaconQ} {
		q := q
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			q.Run(ctx)
		}()
	}
	if n.Covered != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.Covered.Run(ctx)
		}()
	}
	if n.Ctx.Config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.Ctx.Metrics.Handler())
		n.metricsSrv = &http.Server{Addr: n.Ctx.Config.MetricsAddr, Handler: mux}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.Ctx.Log.Warnw("node: metrics server stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			n.metricsSrv.Close()
		}()
	}

	errs := make(chan error, 3)
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		errs <- n.clientConn.Serve(ctx, n.handleClient(ctx))
	}()
	go func() {
		defer n.wg.Done()
		errs <- n.peerConn.Serve(ctx, n.handlePeer(ctx))
	}()
	go func() {
		defer n.wg.Done()
		errs <- n.beaconConn.Serve(ctx, n.handleBeacon(ctx))
	}()

	<-ctx.Done()
	n.wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && err != context.Canceled {
			n.Ctx.Log.Warnw("node: socket serve loop exited", "err", err)
		}
	}
	return nil
}

// Close releases every socket and the origin store. Safe to call after
// Run has returned. If the node was configured with a snapshot path it
// saves the current metadata snapshot first, best-effort, so the next
// run of the same build can restore it.
func (n *Node) Close() error {
	if n.Ctx.Config.SnapshotPath != "" {
		if err := n.Cache.SaveMetadataSnapshot(n.Ctx.Config.SnapshotPath); err != nil {
			n.Ctx.Log.Warnw("node: metadata snapshot save failed", "path", n.Ctx.Config.SnapshotPath, "err", err)
		}
	}
	n.clientConn.Close()
	n.peerConn.Close()
	n.beaconConn.Close()
	return n.Origin.Close()
}

// reply hands msg to the link's propagation queue; the queue's consumer
// pays the link delay and performs the real send.
func (n *Node) reply(ctx context.Context, q *transport.Queue, to wire.NetworkAddr, msg wire.Message) {
	if msg == nil {
		return
	}
	if !q.Push(ctx, to, msg) {
		n.Ctx.Log.Warnw("node: reply dropped at shutdown", "to", to.String(), "type", msg.Type().String())
	}
}

// handleClient answers client-facing traffic: data requests and the
// benchmark control handshake (the Initialization/Startrun/SwitchSlot
// family, which a node only needs to acknowledge).
func (n *Node) handleClient(ctx context.Context) transport.Handler {
	return func(msg wire.Message, from wire.NetworkAddr) {
		go func() {
			if reply, ok := n.handleControl(msg); ok {
				n.reply(ctx, n.clientQ, from, reply)
				return
			}
			reply, ok := n.Cache.HandleMessage(ctx, msg)
			if !ok {
				n.Ctx.Log.Errorw("node: unrecognized message on client ingress", "type", msg.Type().String(), "from", from.String())
				return
			}
			n.reply(ctx, n.clientQ, from, reply)
		}()
	}
}

// handlePeer answers peer-facing cache-server traffic (redirected
// gets, invalidations, finish-block wakeups, placement admits) and
// also serves as the receive side for this node's own outbound
// beacon/peer RPC calls: directory-lookup and write-lock round trips
// go out over this same socket.
//
// RPC dispatch runs inline (it never blocks); request handling runs in
// its own goroutine so a handler suspended on a busy per-key worker
// cannot stall the socket's read loop -- the reply to this node's own
// outstanding Call arrives on this same socket and must always be
// dispatchable. Per-key ordering is preserved downstream by the cache
// server's worker hashing, not by socket arrival order.
func (n *Node) handlePeer(ctx context.Context) transport.Handler {
	return func(msg wire.Message, from wire.NetworkAddr) {
		key, _ := wire.KeyOf(msg)
		if n.peerRPC.Dispatch(from, key, msg) {
			return
		}
		go func() {
			reply, ok := n.Cache.HandleMessage(ctx, msg)
			if !ok {
				n.Ctx.Log.Errorw("node: unrecognized message on peer ingress", "type", msg.Type().String(), "from", from.String())
				return
			}
			n.reply(ctx, n.peerQ, from, reply)
		}()
	}
}

// handleBeacon answers this node's beacon-role traffic (directory
// lookup/update, write-lock acquire/release) and serves as the receive
// side for the beacon's own outbound invalidation/finish-block fan-out.
//
// Handling runs in its own goroutine for the same reason as handlePeer,
// and more acutely here: AcquireWritelock/ReleaseWritelock fan out
// Calls whose acks arrive back on this very socket, so handling them
// inline in the read loop would deadlock the fan-out against its own
// acks. The beacon's directory/MSI state stays consistent under
// concurrent handlers via its striped per-key locks.
func (n *Node) handleBeacon(ctx context.Context) transport.Handler {
	return func(msg wire.Message, from wire.NetworkAddr) {
		key, _ := wire.KeyOf(msg)
		if n.beaconRPC.Dispatch(from, key, msg) {
			return
		}
		go func() {
			reply, ok := n.Beacon.HandleMessage(ctx, msg)
			if !ok {
				n.Ctx.Log.Errorw("node: unrecognized message on beacon ingress", "type", msg.Type().String(), "from", from.String())
				return
			}
			n.reply(ctx, n.beaconQ, from, reply)
		}()
	}
}

// handleControl answers the benchmark harness's run-lifecycle
// handshake. The harness lives elsewhere; a node's only obligation is
// to acknowledge so the harness's init/start/switch sequencing can
// proceed.
func (n *Node) handleControl(msg wire.Message) (wire.Message, bool) {
	hdr := wire.Header{SourceEdgeID: n.Ctx.Self, SourceAddr: n.clientConn.LocalAddr()}
	switch m := msg.(type) {
	case *wire.InitializationRequest:
		return &wire.InitializationResponse{Hdr: hdr, RunID: m.RunID, OK: true}, true
	case *wire.StartrunRequest:
		return &wire.StartrunResponse{Hdr: hdr, OK: true}, true
	case *wire.SwitchSlotRequest:
		return &wire.SwitchSlotResponse{Hdr: hdr, Slot: m.Slot, OK: true}, true
	default:
		return nil, false
	}
}
