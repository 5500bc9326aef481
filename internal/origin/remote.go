package origin

import (
	"context"
	"fmt"
	"time"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/wire"
)

// Remote is a Store backed by a cloud node reachable over the wire
// protocol's GlobalGet/Put/Del message family. Replies arrive back on
// the rpc.Client's own socket, so the
// caller must already be routing inbound datagrams through
// rpc.Client.Dispatch.
type Remote struct {
	rpc  *rpc.Client
	dst  wire.NetworkAddr
	self hashring.EdgeID
	from wire.NetworkAddr

	ackTimeout time.Duration
	maxRetries int
}

// NewRemote builds a Store that forwards every call to the cloud node
// at dst through rpcClient.
func NewRemote(rpcClient *rpc.Client, dst wire.NetworkAddr, self hashring.EdgeID, from wire.NetworkAddr, ackTimeout time.Duration) *Remote {
	return &Remote{
		rpc:        rpcClient,
		dst:        dst,
		self:       self,
		from:       from,
		ackTimeout: ackTimeout,
		maxRetries: 3,
	}
}

func (r *Remote) header() wire.Header {
	return wire.Header{SourceEdgeID: r.self, SourceAddr: r.from}
}

func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	req := &wire.GlobalGetRequest{Hdr: r.header(), Key: key}
	resp, err := r.rpc.Call(ctx, r.dst, key, req, wire.TypeGlobalGetResponse, r.ackTimeout, r.maxRetries)
	if err != nil {
		return nil, false, fmt.Errorf("origin: global get %q: %w", key, err)
	}
	m, ok := resp.(*wire.GlobalGetResponse)
	if !ok {
		return nil, false, fmt.Errorf("origin: unexpected response type %s", resp.Type())
	}
	if !m.Found {
		return nil, false, nil
	}
	return m.Value.Bytes, true, nil
}

func (r *Remote) Put(ctx context.Context, key string, value []byte) error {
	req := &wire.GlobalPutRequest{Hdr: r.header(), Key: key, Value: wire.Value{Bytes: value}}
	resp, err := r.rpc.Call(ctx, r.dst, key, req, wire.TypeGlobalPutResponse, r.ackTimeout, r.maxRetries)
	if err != nil {
		return fmt.Errorf("origin: global put %q: %w", key, err)
	}
	if m, ok := resp.(*wire.GlobalPutResponse); !ok || !m.OK {
		return fmt.Errorf("origin: global put %q rejected", key)
	}
	return nil
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	req := &wire.GlobalDelRequest{Hdr: r.header(), Key: key}
	resp, err := r.rpc.Call(ctx, r.dst, key, req, wire.TypeGlobalDelResponse, r.ackTimeout, r.maxRetries)
	if err != nil {
		return fmt.Errorf("origin: global del %q: %w", key, err)
	}
	if m, ok := resp.(*wire.GlobalDelResponse); !ok || !m.OK {
		return fmt.Errorf("origin: global del %q rejected", key)
	}
	return nil
}

// Close is a no-op: the underlying socket belongs to the node, not to
// this client.
func (r *Remote) Close() error { return nil }
