package transport

import (
	"context"
	"testing"
	"time"

	"github.com/covered-cache/edgecache/internal/config"
	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorWaitsConfiguredLatency(t *testing.T) {
	s := NewSimulator(config.PropagationLatencies{ClientEdgeUs: 5000})
	start := time.Now()
	s.ClientEdge(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestSimulatorCancelledByContext(t *testing.T) {
	s := NewSimulator(config.PropagationLatencies{EdgeCloudUs: 1_000_000})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	s.EdgeCloud(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQueuePreservesFIFOAndPaysDelay(t *testing.T) {
	serverConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer serverConn.Close()

	senderConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer senderConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 3)
	go serverConn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		received <- msg.(*wire.LocalGetRequest).Key
	})

	q := NewQueue(senderConn, 5000, 16, nil)
	go q.Run(ctx)

	start := time.Now()
	for _, key := range []string{"first", "second", "third"} {
		require.True(t, q.Push(ctx, serverConn.LocalAddr(), &wire.LocalGetRequest{Key: key}))
	}

	for _, want := range []string{"first", "second", "third"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("did not receive %q in time", want)
		}
	}
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestUDPSendAndServeRoundTrip(t *testing.T) {
	serverConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan wire.Message, 1)
	go serverConn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		received <- msg
	})

	req := &wire.LocalGetRequest{
		Hdr: wire.Header{SourceEdgeID: hashring.EdgeID(1), SourceAddr: clientConn.LocalAddr()},
		Key: "round-trip-key",
	}
	require.NoError(t, clientConn.Send(serverConn.LocalAddr(), req))

	select {
	case msg := <-received:
		got, ok := msg.(*wire.LocalGetRequest)
		require.True(t, ok)
		assert.Equal(t, "round-trip-key", got.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive message in time")
	}
}

func TestUDPLargeMessageFragments(t *testing.T) {
	serverConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan wire.Message, 1)
	go serverConn.Serve(ctx, func(msg wire.Message, from wire.NetworkAddr) {
		received <- msg
	})

	bigValue := make([]byte, DefaultMTU*4)
	for i := range bigValue {
		bigValue[i] = byte(i % 251)
	}
	req := &wire.LocalPutRequest{
		Hdr:   wire.Header{SourceEdgeID: 2, SourceAddr: clientConn.LocalAddr()},
		Key:   "big",
		Value: wire.Value{Bytes: bigValue},
	}
	require.NoError(t, clientConn.Send(serverConn.LocalAddr(), req))

	select {
	case msg := <-received:
		got, ok := msg.(*wire.LocalPutRequest)
		require.True(t, ok)
		assert.Equal(t, bigValue, got.Value.Bytes)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive fragmented message in time")
	}
}
