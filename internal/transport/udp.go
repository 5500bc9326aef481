package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/wire"
)

// DefaultMTU bounds how many payload bytes go into one UDP datagram
// fragment, chosen comfortably under the common
// path's 1500-byte Ethernet MTU once the 16-byte fragment header and
// IP/UDP overhead are accounted for.
const DefaultMTU = 1200

// Handler processes one fully reassembled message received from addr.
type Handler func(msg wire.Message, from wire.NetworkAddr)

// Conn is the real UDP wire transport: it fragments outgoing
// messages, reassembles incoming ones, and dispatches complete
// messages to a Handler from a single goroutine reading off one
// net.UDPConn.
type Conn struct {
	conn        *net.UDPConn
	self        wire.NetworkAddr
	mtu         int
	seqnum      uint32
	reassembler *wire.Reassembler
	log         logging.Logger
}

// Listen opens a UDP socket at addr and returns a Conn ready to Serve
// and Send.
func Listen(addr string, log logging.Logger) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %q: %w", addr, err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	if log == nil {
		log = logging.NewNop()
	}
	return &Conn{
		conn:        conn,
		self:        wire.NetworkAddr{Host: local.IP.String(), Port: uint16(local.Port)},
		mtu:         DefaultMTU,
		reassembler: wire.NewReassembler(30 * time.Second),
		log:         log,
	}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() wire.NetworkAddr { return c.self }

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.conn.Close() }

// Send encodes msg, fragments it to c.mtu, and writes every fragment
// to dst. Fragments of one message share a monotonically increasing
// sequence number unique to this Conn, which the receiver keys
// reassembly on.
func (c *Conn) Send(dst wire.NetworkAddr, msg wire.Message) error {
	payload := msg.Encode(nil)
	seq := atomic.AddUint32(&c.seqnum, 1)
	dgrams := wire.Fragment(payload, c.mtu, seq)

	udpAddr, err := net.ResolveUDPAddr("udp", dst.String())
	if err != nil {
		return fmt.Errorf("transport: resolving destination %q: %w", dst, err)
	}
	for _, d := range dgrams {
		if _, err := c.conn.WriteToUDP(d, udpAddr); err != nil {
			return fmt.Errorf("transport: sending to %q: %w", dst, err)
		}
	}
	return nil
}

// Serve reads datagrams until ctx is done or the socket errors,
// reassembling fragmented messages and invoking handler on each
// completed one. Serve blocks; callers typically run it in its own
// goroutine.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	buf := make([]byte, 65535)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("transport: reading: %w", err)
			}
		}
		frag := make([]byte, n)
		copy(frag, buf[:n])

		hdr, rest, err := wire.DecodeFragmentHeader(frag)
		if err != nil {
			c.log.Warnw("transport: dropping malformed fragment", "from", from.String(), "err", err)
			continue
		}
		payload, complete := c.reassembler.Add(from.String(), hdr, rest)
		if !complete {
			continue
		}
		msg, err := wire.DecodeMessage(payload)
		if err != nil {
			c.log.Warnw("transport: dropping malformed message", "from", from.String(), "err", err)
			continue
		}
		handler(msg, wire.NetworkAddr{Host: from.IP.String(), Port: uint16(from.Port)})
	}
}
