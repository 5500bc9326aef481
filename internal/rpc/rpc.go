// Package rpc layers request/response correlation and
// timeout-and-retry delivery on top of internal/transport's bare
// send/receive.
//
// The wire protocol carries no explicit correlation ID: every request
// that needs a reply names the key it concerns, and per-key worker
// serialization guarantees at most one outstanding request for a
// given (peer, key, request type) at a time. That is enough to
// correlate a reply without inventing a field the byte layout does
// not have: a Client waiting for the response to request type T
// concerning key K from peer P is identified by the tuple
// (P, K, T-of-the-response).
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
)

type waitKey struct {
	addr string
	key  string
	typ  wire.MessageType
}

// Client sends requests over a transport.Conn and waits for the
// matching response, retrying on timeout.
type Client struct {
	conn *transport.Conn

	mu      sync.Mutex
	waiters map[waitKey]chan wire.Message
}

// NewClient wraps conn for correlated request/response calls. The
// caller is still responsible for routing inbound datagrams: every
// message the Conn's Serve loop receives should be passed through
// Dispatch first, and only handled as a fresh request if Dispatch
// reports it did not match a waiter.
func NewClient(conn *transport.Conn) *Client {
	return &Client{conn: conn, waiters: make(map[waitKey]chan wire.Message)}
}

// Dispatch delivers msg to a waiting Call if one matches (addr, key,
// msg.Type()); it returns true if msg was consumed this way.
func (c *Client) Dispatch(from wire.NetworkAddr, key string, msg wire.Message) bool {
	wk := waitKey{addr: from.String(), key: key, typ: msg.Type()}
	c.mu.Lock()
	ch, ok := c.waiters[wk]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// Call sends req to dst and waits up to timeout for a response of
// respType concerning key, retrying up to maxRetries times before
// giving up. It is the building block behind every synchronous
// cross-node operation: directory lookup, write lock acquire/release,
// invalidation, finish-block, redirected get.
func (c *Client) Call(ctx context.Context, dst wire.NetworkAddr, key string, req wire.Message, respType wire.MessageType, timeout time.Duration, maxRetries int) (wire.Message, error) {
	wk := waitKey{addr: dst.String(), key: key, typ: respType}
	ch := make(chan wire.Message, 1)

	c.mu.Lock()
	c.waiters[wk] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, wk)
		c.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.conn.Send(dst, req); err != nil {
			lastErr = err
			continue
		}
		t := time.NewTimer(timeout)
		select {
		case msg := <-ch:
			t.Stop()
			return msg, nil
		case <-t.C:
			lastErr = fmt.Errorf("rpc: timed out waiting for %s from %s (key %q)", respType, dst, key)
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
