// Package cacheserver implements the cache server: the ingress on each
// edge for client gets/puts/deletes and for peer
// redirected-get/invalidation/finish-block traffic.
//
// Per-key serialization comes from hashing the key to one of a fixed
// set of worker goroutines, so every operation on a key runs in
// arrival order without a per-key mutex on the hot path.
package cacheserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/beaconserver"
	"github.com/covered-cache/edgecache/internal/covered"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/metadata"
	"github.com/covered-cache/edgecache/internal/nodectx"
	"github.com/covered-cache/edgecache/internal/origin"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/store"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
)

// Server is one edge's cache server: local store, local metadata, and
// the cooperative read/write paths that talk to this key's beacon
// (locally or over the wire) and to the origin collaborator.
type Server struct {
	ctx       *nodectx.Context
	ring      *hashring.Ring
	store     *store.Store
	meta      *metadata.Cached
	uncached  *metadata.Uncached
	origin    origin.Store
	rpcClient *rpc.Client
	// localBeacon is this node's own beacon role. When ring.IsLocalBeacon
	// reports true for a key, directory/MSI operations go straight to
	// these methods instead of round-tripping over UDP to ourselves.
	localBeacon *beaconserver.Server
	sim         *transport.Simulator
	covered     *covered.Manager

	ackTimeout      time.Duration
	maxRetries      int
	pollBackoff     time.Duration
	maxLoopAttempts int

	queues []chan func()

	waitMu  sync.Mutex
	waiting map[string][]chan struct{}
}

// New builds a cache server. localBeacon must be the beaconserver.Server
// this same node runs (internal/node constructs exactly one of each per
// node and wires them together here).
func New(ctx *nodectx.Context, ring *hashring.Ring, localBeacon *beaconserver.Server, rpcClient *rpc.Client, sim *transport.Simulator, originStore origin.Store, cov *covered.Manager) *Server {
	workers := ctx.Config.Workers
	if workers <= 0 {
		workers = 8
	}
	s := &Server{
		ctx:             ctx,
		ring:            ring,
		store:           store.New(),
		meta:            metadata.New(ctx.Config.PergroupMaxKeys, ctx.Config.Covered.VictimSetSize, nil),
		uncached:        metadata.NewUncached(ctx.Config.CapacityBytes / 10),
		origin:          originStore,
		rpcClient:       rpcClient,
		localBeacon:     localBeacon,
		sim:             sim,
		covered:         cov,
		ackTimeout:      ctx.Config.AckTimeout,
		maxRetries:      3,
		pollBackoff:     20 * time.Millisecond,
		maxLoopAttempts: 50,
		queues:          make([]chan func(), workers),
		waiting:         make(map[string][]chan struct{}),
	}
	for i := range s.queues {
		q := make(chan func(), 256)
		s.queues[i] = q
		go func() {
			for fn := range q {
				fn()
			}
		}()
	}
	return s
}

// uncachedKeyOverhead is the fixed bookkeeping cost charged per
// uncached-LRU entry on top of the key bytes; uncached metadata pays
// for its key bytes since the store isn't counting them.
const uncachedKeyOverhead = 40

func workerHash(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h
}

// submit runs fn on the worker key hashes to and blocks until it
// completes, giving every operation on the same key a single total
// order without a per-key mutex.
func (s *Server) submit(key string, fn func()) {
	idx := int(workerHash(key)) % len(s.queues)
	done := make(chan struct{})
	s.queues[idx] <- func() {
		fn()
		close(done)
	}
	<-done
}

func (s *Server) header() wire.Header {
	return wire.Header{SourceEdgeID: s.ctx.Self, SourceAddr: s.ctx.Addrs.Peer(s.ctx.Self)}
}

// --- Waiter registry: wakes a local Get/Put blocked on a remote
// beacon's in-progress write once its FinishBlock arrives. ---

func (s *Server) registerWaiter(key string) chan struct{} {
	ch := make(chan struct{})
	s.waitMu.Lock()
	s.waiting[key] = append(s.waiting[key], ch)
	s.waitMu.Unlock()
	return ch
}

func (s *Server) removeWaiter(key string, ch chan struct{}) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	list := s.waiting[key]
	for i, c := range list {
		if c == ch {
			s.waiting[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiting[key]) == 0 {
		delete(s.waiting, key)
	}
}

// wake is called by the FinishBlockRequest handler: every local waiter
// on key is released immediately, same event as the wire wake.
func (s *Server) wake(key string) {
	s.waitMu.Lock()
	chans := s.waiting[key]
	delete(s.waiting, key)
	s.waitMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// waitForUnblock suspends the calling worker until key's lock is
// released (a FinishBlock wakes it) or a poll backoff elapses. One
// bounded select covers both the beacon-local polling case and the
// remote wake-on-FinishBlock case; goroutine workers leave no
// poll-vs-block distinction worth keeping separate.
func (s *Server) waitForUnblock(ctx context.Context, key string) error {
	ch := s.registerWaiter(key)
	t := time.NewTimer(s.pollBackoff)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		s.removeWaiter(key, ch)
		return nil
	case <-ctx.Done():
		s.removeWaiter(key, ch)
		return ctx.Err()
	}
}

// --- Beacon access, routed locally when this node is the key's own
// beacon, over the wire otherwise. ---

func (s *Server) directoryLookup(ctx context.Context, key string) *wire.DirectoryLookupResponse {
	req := &wire.DirectoryLookupRequest{Hdr: s.header(), Key: key}
	if s.ring.IsLocalBeacon([]byte(key)) {
		return s.localBeacon.DirectoryLookup(req, s.ctx.Self)
	}
	dst := s.ctx.Addrs.Beacon(s.ring.Beacon([]byte(key)))
	resp, err := s.rpcClient.Call(ctx, dst, key, req, wire.TypeDirectoryLookupResponse, s.ackTimeout, s.maxRetries)
	if err != nil {
		s.ctx.Log.Warnw("cacheserver: directory lookup failed", "key", key, "err", err)
		return nil
	}
	r, _ := resp.(*wire.DirectoryLookupResponse)
	return r
}

func (s *Server) directoryUpdate(ctx context.Context, key string, isAdmit bool) {
	beaconEdge := s.ring.Beacon([]byte(key))
	req := &wire.DirectoryUpdateRequest{Hdr: s.header(), Key: key, IsAdmit: isAdmit, Info: wire.DirectoryInfo{EdgeID: s.ctx.Self, Valid: true}, Trailer: s.coveredTrailer(beaconEdge, key)}
	if s.ring.IsLocalBeacon([]byte(key)) {
		s.localBeacon.DirectoryUpdate(req)
		return
	}
	dst := s.ctx.Addrs.Beacon(beaconEdge)
	if _, err := s.rpcClient.Call(ctx, dst, key, req, wire.TypeDirectoryUpdateResponse, s.ackTimeout, s.maxRetries); err != nil {
		s.ctx.Log.Warnw("cacheserver: directory update failed", "key", key, "isAdmit", isAdmit, "err", err)
	}
}

func (s *Server) acquireWritelock(ctx context.Context, key string) *wire.AcquireWritelockResponse {
	beaconEdge := s.ring.Beacon([]byte(key))
	req := &wire.AcquireWritelockRequest{Hdr: s.header(), Key: key, Trailer: s.coveredTrailer(beaconEdge, key)}
	if s.ring.IsLocalBeacon([]byte(key)) {
		return s.localBeacon.AcquireWritelock(ctx, req, s.ctx.Self)
	}
	dst := s.ctx.Addrs.Beacon(beaconEdge)
	resp, err := s.rpcClient.Call(ctx, dst, key, req, wire.TypeAcquireWritelockResponse, s.ackTimeout, s.maxRetries)
	if err != nil {
		s.ctx.Log.Warnw("cacheserver: acquire writelock failed", "key", key, "err", err)
		return nil
	}
	r, _ := resp.(*wire.AcquireWritelockResponse)
	return r
}

func (s *Server) releaseWritelock(ctx context.Context, key string) {
	beaconEdge := s.ring.Beacon([]byte(key))
	req := &wire.ReleaseWritelockRequest{Hdr: s.header(), Key: key, Trailer: s.coveredTrailer(beaconEdge, key)}
	if s.ring.IsLocalBeacon([]byte(key)) {
		s.localBeacon.ReleaseWritelock(ctx, req, s.ctx.Self)
		return
	}
	dst := s.ctx.Addrs.Beacon(beaconEdge)
	if _, err := s.rpcClient.Call(ctx, dst, key, req, wire.TypeReleaseWritelockResponse, s.ackTimeout, s.maxRetries); err != nil {
		s.ctx.Log.Warnw("cacheserver: release writelock failed", "key", key, "err", err)
	}
}

// isLastCopy reports whether this edge would be (or is) the sole
// cacher of key, used to weight the COVERED reward function. Exact
// only when this node is key's own beacon, since the wire
// protocol carries no RPC to query a remote directory's full cacher
// count; a remotely beaconed key conservatively reports false, which
// just forgoes the last-copy reward bump rather than risking a wrong
// eviction decision.
func (s *Server) isLastCopy(key string) bool {
	if s.ring.IsLocalBeacon([]byte(key)) {
		return s.localBeacon.Directory().IsLastCopy(key, s.ctx.Self)
	}
	return false
}

// coveredTrailer builds the outgoing COVERED piggyback for a beacon-bound
// control message: this edge's victim-set delta not yet reported to dst,
// plus its locally observed popularity for key. nil when not running
// the COVERED variant.
func (s *Server) coveredTrailer(dst hashring.EdgeID, key string) *wire.CoveredTrailer {
	if s.covered == nil {
		return nil
	}
	s.covered.Victims.Refresh(s.meta)
	syncset := s.covered.Victims.LocalVictimSyncsetFor(dst, s.ctx.Config.CapacityBytes)
	popularity, _ := s.uncached.Popularity(key)
	return &wire.CoveredTrailer{VictimSyncset: syncset, CollectedPopularity: popularity}
}

// --- Admission / eviction glue between the store and its metadata. ---

func (s *Server) admitOrUpdate(ctx context.Context, key string, value wire.Value) {
	if present, _, old := s.store.Get(key); present {
		s.store.Update(key, value)
		s.meta.UpdateValueStats(key, value, old, s.isLastCopy(key))
		return
	}
	s.evictIfNeeded(ctx, value.Size())
	if s.store.Admit(key, value, true) {
		sz := value.Size()
		s.meta.AddForNewKey(key, value, &sz, s.isLastCopy(key))
		s.uncached.Remove(key)
	}
}

// AdmitPlacement admits value for key directly into this edge's store,
// bypassing the write-lock/origin-write path entirely -- the COVERED
// placement deployer's admit step, which is not a client write and
// must not contend for the key's MSI write lock. Run on the key's
// worker like every other store mutation. The deployer drives the
// directory update as its own explicit step, so AdmitPlacement only
// touches the store/metadata.
func (s *Server) AdmitPlacement(ctx context.Context, key string, value wire.Value) {
	s.submit(key, func() {
		s.admitOrUpdate(ctx, key, value)
	})
}

// DirectoryUpdate tells key's beacon this edge now (or no longer)
// caches key, exported for internal/node's placement-deployer wiring.
func (s *Server) DirectoryUpdate(ctx context.Context, key string, isAdmit bool) {
	s.directoryUpdate(ctx, key, isAdmit)
}

// evictIfNeeded frees headroom before an admission that would
// otherwise exceed capacity, and tells each victim's beacon this edge
// no longer caches it. The directory update always follows the store
// change, so a peer observing a directory entry can at least attempt
// redirection.
func (s *Server) evictIfNeeded(ctx context.Context, incoming int64) {
	used := s.store.UsedBytes() + s.meta.SizeForCapacity() + s.uncached.SizeForCapacity()
	overflow := used + incoming - s.ctx.Config.CapacityBytes
	if overflow <= 0 {
		return
	}
	victims := s.store.Evict(s.meta, overflow)
	for vk := range victims {
		s.meta.RemoveForExistingKey(vk)
		s.uncached.Remove(vk)
		s.directoryUpdate(ctx, vk, false)
		s.ctx.Metrics.CacheEvictions.Inc()
	}
}

// --- Local get / cooperative read path. ---

// Get serves a client's LocalGetRequest: local hit, else cooperative
// peer fetch, else origin, admitting the result locally.
func (s *Server) Get(ctx context.Context, key string) (wire.Value, wire.HitFlag, error) {
	var value wire.Value
	var hit wire.HitFlag
	var err error
	s.submit(key, func() {
		value, hit, err = s.getLocked(ctx, key)
	})
	return value, hit, err
}

func (s *Server) getLocked(ctx context.Context, key string) (wire.Value, wire.HitFlag, error) {
	if s.covered != nil {
		s.covered.RecordRequest(s.ctx.Self)
	}
	for attempt := 0; attempt < s.maxLoopAttempts; attempt++ {
		if present, valid, v := s.store.Get(key); present && valid {
			s.meta.UpdateNoValueStats(key, false, s.isLastCopy(key))
			s.ctx.Metrics.CacheHits.Inc()
			return v, wire.HitLocal, nil
		} else if present && !valid {
			// Refresh below once we have a value; fall through to the
			// lookup/fetch path rather than returning stale data.
			_ = v
		} else if attempt == 0 {
			s.ctx.Metrics.CacheMisses.Inc()
			// Record the miss in the uncached-metadata LRU so this key
			// has usable popularity stats when it is next reported to
			// its beacon or admitted.
			s.uncached.Track(key, int64(len(key))+uncachedKeyOverhead)
		}

		lookup := s.directoryLookup(ctx, key)
		if lookup == nil {
			return wire.Value{}, 0, fmt.Errorf("cacheserver: directory lookup unavailable for %q", key)
		}
		if lookup.BeingWritten {
			if err := s.waitForUnblock(ctx, key); err != nil {
				return wire.Value{}, 0, err
			}
			continue
		}

		if lookup.ValidExists && lookup.Info.EdgeID != s.ctx.Self {
			resp := s.redirectedGet(ctx, lookup.Info.EdgeID, key)
			if resp == nil {
				return wire.Value{}, 0, fmt.Errorf("cacheserver: redirected get unavailable for %q", key)
			}
			switch resp.Hit {
			case wire.HitCooperative:
				s.meta.UpdateNoValueStats(key, true, s.isLastCopy(key))
				s.ctx.Metrics.CooperativeHits.Inc()
				return resp.Value, wire.HitCooperative, nil
			case wire.HitCooperativeInvalid:
				continue // retry from step 1: directory may now be stale too
			}
			// HitGlobalMiss: fall through to origin below.
		}

		s.sim.EdgeCloud(ctx)
		raw, found, err := s.origin.Get(ctx, key)
		if err != nil {
			return wire.Value{}, 0, fmt.Errorf("cacheserver: origin get %q: %w", key, err)
		}
		s.ctx.Metrics.OriginFetches.Inc()
		value := wire.Value{Deleted: !found}
		if found {
			value = wire.Value{Bytes: raw}
		}
		s.admitOrUpdate(ctx, key, value)
		s.directoryUpdate(ctx, key, true)
		return value, wire.HitGlobalMiss, nil
	}
	return wire.Value{}, 0, fmt.Errorf("cacheserver: exceeded retry budget fetching %q", key)
}

// redirectedGet sends a RedirectedGetRequest to target's cache server
// and returns its response, routed locally when target is this node
// (it never should be, but is handled defensively).
func (s *Server) redirectedGet(ctx context.Context, target hashring.EdgeID, key string) *wire.RedirectedGetResponse {
	req := &wire.RedirectedGetRequest{Hdr: s.header(), Key: key}
	if s.ring.IsLocalTarget(target) {
		return s.handleRedirectedGet(ctx, key)
	}
	s.sim.EdgePeer(ctx)
	dst := s.ctx.Addrs.Peer(target)
	resp, err := s.rpcClient.Call(ctx, dst, key, req, wire.TypeRedirectedGetResponse, s.ackTimeout, s.maxRetries)
	if err != nil {
		s.ctx.Log.Warnw("cacheserver: redirected get failed", "key", key, "target", target, "err", err)
		return nil
	}
	r, _ := resp.(*wire.RedirectedGetResponse)
	return r
}

// handleRedirectedGet answers a peer's RedirectedGetRequest: local
// store only, never forwarded further.
func (s *Server) handleRedirectedGet(ctx context.Context, key string) *wire.RedirectedGetResponse {
	var hit wire.HitFlag
	var value wire.Value
	s.submit(key, func() {
		present, valid, v := s.store.Get(key)
		switch {
		case present && valid:
			hit = wire.HitCooperative
			value = v
			s.meta.UpdateNoValueStats(key, true, s.isLastCopy(key))
		case present && !valid:
			hit = wire.HitCooperativeInvalid
			if s.store.RemoveIfInvalidForGetResponse(key) {
				s.meta.RemoveForExistingKey(key)
				s.directoryUpdate(ctx, key, false)
			}
		default:
			hit = wire.HitGlobalMiss
		}
	})
	return &wire.RedirectedGetResponse{Hdr: s.header(), Key: key, Value: value, Hit: hit}
}

// --- Local put/del / write path. ---

// Put serves a client's LocalPutRequest.
func (s *Server) Put(ctx context.Context, key string, value wire.Value) error {
	var err error
	s.submit(key, func() {
		err = s.putLocked(ctx, key, value)
	})
	return err
}

func (s *Server) putLocked(ctx context.Context, key string, value wire.Value) error {
	for attempt := 0; attempt < s.maxLoopAttempts; attempt++ {
		acq := s.acquireWritelock(ctx, key)
		if acq == nil {
			return fmt.Errorf("cacheserver: acquire writelock unavailable for %q", key)
		}
		if acq.Result == wire.AcquireFailure {
			if err := s.waitForUnblock(ctx, key); err != nil {
				return err
			}
			continue
		}

		s.sim.EdgeCloud(ctx)
		if err := s.origin.Put(ctx, key, value.Bytes); err != nil {
			if acq.Result == wire.AcquireSuccess {
				s.releaseWritelock(ctx, key)
			}
			return fmt.Errorf("cacheserver: origin put %q: %w", key, err)
		}
		s.admitOrUpdate(ctx, key, value)
		s.directoryUpdate(ctx, key, true)
		if acq.Result == wire.AcquireSuccess {
			s.releaseWritelock(ctx, key)
		}
		return nil
	}
	return fmt.Errorf("cacheserver: exceeded retry budget writing %q", key)
}

// Del serves a client's LocalDelRequest.
func (s *Server) Del(ctx context.Context, key string) error {
	var err error
	s.submit(key, func() {
		err = s.delLocked(ctx, key)
	})
	return err
}

func (s *Server) delLocked(ctx context.Context, key string) error {
	for attempt := 0; attempt < s.maxLoopAttempts; attempt++ {
		acq := s.acquireWritelock(ctx, key)
		if acq == nil {
			return fmt.Errorf("cacheserver: acquire writelock unavailable for %q", key)
		}
		if acq.Result == wire.AcquireFailure {
			if err := s.waitForUnblock(ctx, key); err != nil {
				return err
			}
			continue
		}

		s.sim.EdgeCloud(ctx)
		if err := s.origin.Delete(ctx, key); err != nil {
			if acq.Result == wire.AcquireSuccess {
				s.releaseWritelock(ctx, key)
			}
			return fmt.Errorf("cacheserver: origin delete %q: %w", key, err)
		}
		if _, ok := s.store.Remove(key); ok {
			s.meta.RemoveForExistingKey(key)
		}
		s.uncached.Remove(key)
		s.directoryUpdate(ctx, key, false)
		if acq.Result == wire.AcquireSuccess {
			s.releaseWritelock(ctx, key)
		}
		return nil
	}
	return fmt.Errorf("cacheserver: exceeded retry budget deleting %q", key)
}

// --- Peer-addressed message handlers: invalidate and finish-block. ---

// handleInvalidation bypasses the per-key worker on purpose: this
// edge's worker for key may itself be blocked waiting for key's write
// lock, the very lock whose holder's acquire is waiting on this
// invalidation ack. The store is internally locked and Invalidate is
// idempotent, so running it off-worker is safe.
func (s *Server) handleInvalidation(key string) {
	s.store.Invalidate(key)
}

// HandleMessage dispatches one client- or peer-addressed message to its
// handler, returning the reply to send back and whether the type was
// recognized. An unrecognized type reaching here is protocol misuse;
// the caller decides whether that is fatal.
func (s *Server) HandleMessage(ctx context.Context, msg wire.Message) (wire.Message, bool) {
	switch m := msg.(type) {
	case *wire.LocalGetRequest:
		value, hit, err := s.Get(ctx, m.Key)
		if err != nil {
			s.ctx.Log.Warnw("cacheserver: get failed", "key", m.Key, "err", err)
		}
		return &wire.LocalGetResponse{Hdr: s.header(), Key: m.Key, Value: value, Hit: hit}, true
	case *wire.LocalPutRequest:
		err := s.Put(ctx, m.Key, m.Value)
		if err != nil {
			s.ctx.Log.Warnw("cacheserver: put failed", "key", m.Key, "err", err)
		}
		return &wire.LocalPutResponse{Hdr: s.header(), Key: m.Key, OK: err == nil}, true
	case *wire.LocalDelRequest:
		err := s.Del(ctx, m.Key)
		if err != nil {
			s.ctx.Log.Warnw("cacheserver: del failed", "key", m.Key, "err", err)
		}
		return &wire.LocalDelResponse{Hdr: s.header(), Key: m.Key, OK: err == nil}, true
	case *wire.RedirectedGetRequest:
		return s.handleRedirectedGet(ctx, m.Key), true
	case *wire.PlacementAdmitRequest:
		s.submit(m.Key, func() {
			s.admitOrUpdate(ctx, m.Key, m.Value)
		})
		return &wire.PlacementAdmitResponse{Hdr: s.header(), Key: m.Key, OK: true}, true
	case *wire.InvalidationRequest:
		s.handleInvalidation(m.Key)
		return &wire.InvalidationResponse{Hdr: s.header(), Key: m.Key}, true
	case *wire.FinishBlockRequest:
		s.wake(m.Key)
		return &wire.FinishBlockResponse{Hdr: s.header(), Key: m.Key}, true
	default:
		return nil, false
	}
}

// Len reports how many keys this edge currently has admitted, used by
// tests and by internal/node's shutdown diagnostics.
func (s *Server) Len() int { return s.store.Len() }

// UsedBytes reports the bytes currently charged to this edge's
// capacity (store plus metadata overhead), used by internal/node's
// COVERED margin function.
func (s *Server) UsedBytes() int64 {
	return s.store.UsedBytes() + s.meta.SizeForCapacity() + s.uncached.SizeForCapacity()
}

// SaveMetadataSnapshot persists this edge's cache metadata to path.
// It does not touch the store's values, only the popularity/reward
// bookkeeping.
func (s *Server) SaveMetadataSnapshot(path string) error {
	return metadata.SaveBolt(path, s.meta)
}

// RestoreMetadataSnapshot loads a metadata snapshot previously written
// by SaveMetadataSnapshot, if one exists. It reports whether a
// snapshot was found; a missing file or bucket is not an error, since
// a node's first run has nothing to restore.
func (s *Server) RestoreMetadataSnapshot(path string) (bool, error) {
	return metadata.LoadBolt(path, s.meta)
}
