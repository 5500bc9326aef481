// Package transport implements the propagation queues -- fixed-latency
// link simulation for the experimental harness -- and the real UDP
// wire transport that carries internal/wire messages between edges,
// beacons, and the origin collaborator.
//
// Link delay is a context-aware timer rather than a bare sleep, so a
// shutting-down node's in-flight propagation delays cancel promptly
// instead of blocking goroutine exit.
package transport

import (
	"context"
	"time"

	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/wire"
)

// Simulator reproduces the fixed per-link propagation delays used by
// the experimental harness. It holds no other state, so a single
// instance can be shared by every component on a node.
type Simulator struct {
	latencies config.PropagationLatencies
}

// NewSimulator builds a Simulator from the node's configured latencies.
func NewSimulator(latencies config.PropagationLatencies) *Simulator {
	return &Simulator{latencies: latencies}
}

func (s *Simulator) wait(ctx context.Context, us int64) {
	if us <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(us) * time.Microsecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ClientEdge simulates the client<->edge link delay, used for both
// directions.
func (s *Simulator) ClientEdge(ctx context.Context) {
	s.wait(ctx, s.latencies.ClientEdgeUs)
}

// EdgePeer simulates the edge<->neighbor-edge link delay (beacon or
// redirection target), used for both directions.
func (s *Simulator) EdgePeer(ctx context.Context) {
	s.wait(ctx, s.latencies.EdgePeerUs)
}

// EdgeCloud simulates the edge<->origin link delay, used for both
// directions (propagateFromEdgeToCloud / propagateFromCloudToEdge).
func (s *Simulator) EdgeCloud(ctx context.Context) {
	s.wait(ctx, s.latencies.EdgeCloudUs)
}

type queueItem struct {
	msg      wire.Message
	dst      wire.NetworkAddr
	enqueued time.Time
}

// Queue is one link's propagation FIFO: producers push (message,
// destination) pairs, and a dedicated consumer goroutine pops
// each one, sleeps off whatever remains of the link's programmed delay,
// then hands it to the real transport. FIFO order among messages on the
// same link is the channel's own ordering; boundedness is the channel's
// capacity -- a full queue blocks the producer rather than dropping a
// protocol message.
type Queue struct {
	conn    *Conn
	delayUs int64
	items   chan queueItem
	log     logging.Logger
}

// NewQueue builds a propagation queue in front of conn with the given
// per-link delay and capacity. Run must be started before Push is
// useful.
func NewQueue(conn *Conn, delayUs int64, capacity int, log logging.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Queue{conn: conn, delayUs: delayUs, items: make(chan queueItem, capacity), log: log}
}

// Push enqueues msg for dst, blocking if the queue is full until space
// frees or ctx is canceled. Returns false only on cancellation.
func (q *Queue) Push(ctx context.Context, dst wire.NetworkAddr, msg wire.Message) bool {
	select {
	case q.items <- queueItem{msg: msg, dst: dst, enqueued: time.Now()}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run consumes the queue until ctx is canceled. For each item it sleeps
// delay - (now - enqueue_time) if positive -- the time already spent
// waiting in the queue counts against the link delay -- then sends on
// the underlying Conn.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case item := <-q.items:
			if q.delayUs > 0 {
				remaining := time.Duration(q.delayUs)*time.Microsecond - time.Since(item.enqueued)
				if remaining > 0 {
					t := time.NewTimer(remaining)
					select {
					case <-t.C:
					case <-ctx.Done():
						t.Stop()
						return
					}
					t.Stop()
				}
			}
			if err := q.conn.Send(item.dst, item.msg); err != nil {
				q.log.Warnw("transport: propagation send failed", "to", item.dst.String(), "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
