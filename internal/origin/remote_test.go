package origin

import (
	"context"
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/rpc"
	"github.com/covered-cache/edgecache/internal/transport"
	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCloud runs a Server over a Memory store on a loopback socket
// and returns its address plus the backing store for direct assertions.
func startCloud(t *testing.T) (wire.NetworkAddr, *Memory) {
	t.Helper()
	store := NewMemory()
	conn, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewServer(conn, store, nil).Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})
	return conn.LocalAddr(), store
}

func TestRemoteRoundTripsThroughServer(t *testing.T) {
	cloudAddr, backing := startCloud(t)

	conn, err := transport.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer conn.Close()
	rpcClient := rpc.NewClient(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		key, _ := wire.KeyOf(msg)
		rpcClient.Dispatch(from, key, msg)
	})

	remote := NewRemote(rpcClient, cloudAddr, 0, conn.LocalAddr(), 500*time.Millisecond)

	_, found, err := remote.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, remote.Put(ctx, "k", []byte("v1")))
	v, found, err := remote.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)

	// The cloud's backing store is the single source of truth.
	direct, found, err := backing.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), direct)

	require.NoError(t, remote.Delete(ctx, "k"))
	_, found, err = remote.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
