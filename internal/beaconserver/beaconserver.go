// Package beaconserver implements the beacon server: the
// directory-lookup/update and write-lock acquire/release RPC handlers
// a node runs for every key that hashes to it.
package beaconserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/covered"
	"github.com/covered-cache/edgecache/internal/directory"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/msi"
	"github.com/covered-cache/edgecache/internal/nodectx"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/wire"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Server answers every message addressed to this node as beacon for
// the keys it concerns. One Server instance owns this
// node's entire directory table and MSI tracker; both are internally
// per-key-locked so the handlers below never need an outer mutex.
type Server struct {
	ctx     *nodectx.Context
	dir     *directory.Table
	msi     *msi.Tracker
	rpc     *rpc.Client
	covered *covered.Manager // nil unless Config.CacheVariant == covered

	ackTimeout time.Duration
	maxRetries int
}

// New builds a beacon server for ctx. rpcClient is used for the
// fan-out invalidation and finish-block acks this node's beacon role
// must drive; cov may be nil for the basic variant.
func New(ctx *nodectx.Context, rpcClient *rpc.Client, cov *covered.Manager) *Server {
	return &Server{
		ctx:        ctx,
		dir:        directory.New(ctx.Config.DirectoryStripes),
		msi:        msi.New(ctx.Config.DirectoryStripes),
		rpc:        rpcClient,
		covered:    cov,
		ackTimeout: ctx.Config.AckTimeout,
		maxRetries: 3,
	}
}

// Directory exposes the beacon-local directory table, used by
// internal/node to wire a local (same-process) fast path when a cache
// server is its own beacon for a key.
func (s *Server) Directory() *directory.Table { return s.dir }

// MSI exposes the beacon-local MSI tracker for the same local
// fast-path reason.
func (s *Server) MSI() *msi.Tracker { return s.msi }

func (s *Server) header() wire.Header {
	return wire.Header{SourceEdgeID: s.ctx.Self, SourceAddr: s.ctx.Addrs.Beacon(s.ctx.Self)}
}

// DirectoryLookup answers a DirectoryLookupRequest. The requester is
// blocked atomically with the being-written check via
// msi.Tracker.BlockIfBeingWritten, closing the race window where a
// concurrent Release could finish between a separate check and block
// and leave the requester waiting on a wake that already happened.
func (s *Server) DirectoryLookup(req *wire.DirectoryLookupRequest, requester hashring.EdgeID) *wire.DirectoryLookupResponse {
	beingWritten := s.msi.BlockIfBeingWritten(req.Key, requester)

	resp := &wire.DirectoryLookupResponse{
		Hdr:          s.header(),
		Key:          req.Key,
		BeingWritten: beingWritten,
	}
	if exists, edge, valid := s.dir.Lookup(req.Key); exists && valid {
		resp.ValidExists = true
		resp.Info = wire.DirectoryInfo{EdgeID: edge, Valid: true}
	}
	return resp
}

// DirectoryUpdate answers a DirectoryUpdateRequest.
func (s *Server) DirectoryUpdate(req *wire.DirectoryUpdateRequest) *wire.DirectoryUpdateResponse {
	s.dir.Update(req.Key, req.IsAdmit, req.Info.EdgeID)
	s.ingestCoveredTrailer(req.Key, req.Info.EdgeID, req.Trailer, req.IsAdmit)
	return &wire.DirectoryUpdateResponse{
		Hdr:          s.header(),
		Key:          req.Key,
		BeingWritten: s.msi.IsBeingWritten(req.Key),
	}
}

// ingestCoveredTrailer folds a peer's piggybacked victim-syncset and
// popularity report into this beacon's COVERED manager: the only path
// by which a remote edge's reported popularity can
// ever reach PopularityAggregator.Update and, through it, enqueue a
// PlacementJob for Manager.Run to deploy. A nil trailer (basic variant,
// or a peer not yet reporting) is a no-op.
func (s *Server) ingestCoveredTrailer(key string, src hashring.EdgeID, trailer *wire.CoveredTrailer, sourceCached bool) {
	if s.covered == nil || trailer == nil {
		return
	}
	if len(trailer.VictimSyncset) > 0 {
		s.ctx.Metrics.VictimSyncMessages.Inc()
	}
	globalCached := len(s.dir.AllCachers(key)) > 0
	s.covered.IngestPopularity(key, src, trailer.CollectedPopularity, globalCached, sourceCached, true)
}

// convertAcquire maps msi's internal three-way result onto the wire
// enum, keeping the two packages decoupled.
func convertAcquire(r msi.AcquireResult) wire.AcquireResult {
	switch r {
	case msi.AcquireSuccess:
		return wire.AcquireSuccess
	case msi.AcquireNoNeed:
		return wire.AcquireNoNeed
	default:
		return wire.AcquireFailure
	}
}

// AcquireWritelock answers an AcquireWritelockRequest: on Success, fan
// out invalidation to every other replica and only reply once every
// ack is in, so the writer knows replicas are quiescent before it
// proceeds. On Failure the reply still goes out immediately --
// rpc.Client correlates every Call to exactly one response, so "the
// answer comes later, via FinishBlock" is expressed as the requester
// blocking on its own local wait after seeing Failure, not as a beacon
// server that silently withholds a reply.
func (s *Server) AcquireWritelock(ctx context.Context, req *wire.AcquireWritelockRequest, requester hashring.EdgeID) *wire.AcquireWritelockResponse {
	cachers := s.dir.AllCachers(req.Key)
	needsLock := len(cachers) > 0

	result := s.msi.TryAcquire(req.Key, requester, needsLock)
	resp := &wire.AcquireWritelockResponse{Hdr: s.header(), Key: req.Key, Result: convertAcquire(result)}

	sourceCached := false
	for _, c := range cachers {
		if c == requester {
			sourceCached = true
			break
		}
	}
	s.ingestCoveredTrailer(req.Key, requester, req.Trailer, sourceCached)

	if result == msi.AcquireSuccess && len(cachers) > 0 {
		if err := s.invalidateReplicas(ctx, req.Key, requester, cachers); err != nil {
			s.ctx.Log.Warnw("beaconserver: invalidation fan-out incomplete", "key", req.Key, "err", err)
		}
	}
	if result == msi.AcquireFailure {
		s.ctx.Metrics.WritelockFailures.Inc()
	}
	return resp
}

// invalidateReplicas sends InvalidationRequest to every cacher except
// requester and waits for every ack, each Call retrying on timeout
// until it lands or gives up.
func (s *Server) invalidateReplicas(ctx context.Context, key string, requester hashring.EdgeID, cachers []hashring.EdgeID) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error
	for _, edge := range cachers {
		if edge == requester {
			continue
		}
		edge := edge
		g.Go(func() error {
			dst := s.ctx.Addrs.Peer(edge)
			req := &wire.InvalidationRequest{Hdr: s.header(), Key: key}
			_, err := s.rpc.Call(gctx, dst, key, req, wire.TypeInvalidationResponse, s.ackTimeout, s.maxRetries)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("edge %d: %w", edge, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// ReleaseWritelock answers a ReleaseWritelockRequest: releases the
// lock, then fans out
// FinishBlock to every edge that was waiting and waits for all acks
// before replying to the releaser.
func (s *Server) ReleaseWritelock(ctx context.Context, req *wire.ReleaseWritelockRequest, requester hashring.EdgeID) *wire.ReleaseWritelockResponse {
	if writer, held := s.msi.Writer(req.Key); held && writer != requester {
		// Tolerated state-invariant violation: log and proceed -- the
		// MSI tracker itself has no notion of "wrong releaser", so this
		// is purely an operational warning.
		s.ctx.Log.Warnw("beaconserver: release from non-holder", "key", req.Key, "requester", requester, "writer", writer)
	}

	blocked := s.msi.Release(req.Key)
	if err := s.finishBlockAll(ctx, req.Key, blocked); err != nil {
		s.ctx.Log.Warnw("beaconserver: finish-block fan-out incomplete", "key", req.Key, "err", err)
	}
	s.ingestCoveredTrailer(req.Key, requester, req.Trailer, true)
	return &wire.ReleaseWritelockResponse{Hdr: s.header(), Key: req.Key, OK: true}
}

func (s *Server) finishBlockAll(ctx context.Context, key string, edges []hashring.EdgeID) error {
	if len(edges) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error
	for _, edge := range edges {
		edge := edge
		g.Go(func() error {
			dst := s.ctx.Addrs.Peer(edge)
			req := &wire.FinishBlockRequest{Hdr: s.header(), Key: key}
			_, err := s.rpc.Call(gctx, dst, key, req, wire.TypeFinishBlockResponse, s.ackTimeout, s.maxRetries)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("edge %d: %w", edge, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// HandleMessage dispatches one beacon-addressed message to its
// handler and returns the response to send back, or nil for message
// types that carry no reply (none currently). An unrecognized type is
// protocol misuse; the caller is expected to treat a nil, non-ok
// return as fatal.
func (s *Server) HandleMessage(ctx context.Context, msg wire.Message) (wire.Message, bool) {
	requester := msg.Header().SourceEdgeID
	switch m := msg.(type) {
	case *wire.DirectoryLookupRequest:
		return s.DirectoryLookup(m, requester), true
	case *wire.DirectoryUpdateRequest:
		return s.DirectoryUpdate(m), true
	case *wire.AcquireWritelockRequest:
		return s.AcquireWritelock(ctx, m, requester), true
	case *wire.ReleaseWritelockRequest:
		return s.ReleaseWritelock(ctx, m, requester), true
	default:
		return nil, false
	}
}
