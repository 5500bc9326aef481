package wire

import (
	"encoding/binary"
	"sync"
	"time"
)

// FragmentHeaderSize is the fixed 16-byte on-wire header prefixing
// every UDP datagram: fragment_idx, fragment_cnt,
// msg_payload_size, msg_seqnum, each a big-endian uint32. The source
// address is not part of this fixed region; it rides along out of
// band via the UDP packet's own source, recorded by the transport
// layer when it reads off the socket.
const FragmentHeaderSize = 16

// FragmentHeader is the 16-byte reassembly header.
type FragmentHeader struct {
	FragmentIdx    uint32
	FragmentCnt    uint32
	MsgPayloadSize uint32
	MsgSeqnum      uint32
}

// Encode writes h to the front of a FragmentHeaderSize-byte buffer.
func (h FragmentHeader) Encode() []byte {
	buf := make([]byte, FragmentHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.FragmentIdx)
	binary.BigEndian.PutUint32(buf[4:8], h.FragmentCnt)
	binary.BigEndian.PutUint32(buf[8:12], h.MsgPayloadSize)
	binary.BigEndian.PutUint32(buf[12:16], h.MsgSeqnum)
	return buf
}

// DecodeFragmentHeader parses the fixed header from the front of buf,
// returning the remaining fragment payload.
func DecodeFragmentHeader(buf []byte) (FragmentHeader, []byte, error) {
	var h FragmentHeader
	if len(buf) < FragmentHeaderSize {
		return h, nil, errShortBuffer
	}
	h.FragmentIdx = binary.BigEndian.Uint32(buf[0:4])
	h.FragmentCnt = binary.BigEndian.Uint32(buf[4:8])
	h.MsgPayloadSize = binary.BigEndian.Uint32(buf[8:12])
	h.MsgSeqnum = binary.BigEndian.Uint32(buf[12:16])
	return h, buf[FragmentHeaderSize:], nil
}

// Fragment splits a fully-encoded message payload into mtu-sized
// datagrams, each prefixed with a FragmentHeader. seqnum must be
// unique (and increasing) per sender.
func Fragment(payload []byte, mtu int, seqnum uint32) [][]byte {
	if mtu <= 0 {
		mtu = 1200
	}
	cnt := (len(payload) + mtu - 1) / mtu
	if cnt == 0 {
		cnt = 1
	}
	out := make([][]byte, 0, cnt)
	for i := 0; i < cnt; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		hdr := FragmentHeader{
			FragmentIdx:    uint32(i),
			FragmentCnt:    uint32(cnt),
			MsgPayloadSize: uint32(len(payload)),
			MsgSeqnum:      seqnum,
		}
		dgram := append(hdr.Encode(), payload[start:end]...)
		out = append(out, dgram)
	}
	return out
}

// reassemblyKey identifies one in-flight message: a receiver keys
// reassembly on (source_addr, msg_seqnum).
type reassemblyKey struct {
	addr   string
	seqnum uint32
}

type partial struct {
	total     uint32
	have      uint32
	parts     [][]byte
	payloadSz uint32
	lastSeen  time.Time
}

// Reassembler tracks in-flight fragmented messages per source. Older
// seqnums for a source than the highest one already completed are
// dropped.
type Reassembler struct {
	mu       sync.Mutex
	inflight map[reassemblyKey]*partial
	highest  map[string]uint32
	maxAge   time.Duration
}

// NewReassembler builds a Reassembler that forgets in-flight messages
// older than maxAge (a defensive bound against a sender that never
// completes a fragment set; 0 disables the bound).
func NewReassembler(maxAge time.Duration) *Reassembler {
	return &Reassembler{
		inflight: make(map[reassemblyKey]*partial),
		highest:  make(map[string]uint32),
		maxAge:   maxAge,
	}
}

// Add feeds one received datagram (fragment header already stripped
// by the caller, which also supplies the raw fragment header fields
// and the wire address string it arrived from). It returns the
// reassembled payload and true once every fragment for that
// (addr, seqnum) has arrived.
func (r *Reassembler) Add(addr string, hdr FragmentHeader, fragPayload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hi, ok := r.highest[addr]; ok && hdr.MsgSeqnum < hi {
		return nil, false
	}

	key := reassemblyKey{addr: addr, seqnum: hdr.MsgSeqnum}
	p, ok := r.inflight[key]
	if !ok {
		p = &partial{
			total:     hdr.FragmentCnt,
			parts:     make([][]byte, hdr.FragmentCnt),
			payloadSz: hdr.MsgPayloadSize,
		}
		r.inflight[key] = p
	}
	p.lastSeen = time.Now()

	if hdr.FragmentIdx >= uint32(len(p.parts)) {
		return nil, false
	}
	if p.parts[hdr.FragmentIdx] == nil {
		p.parts[hdr.FragmentIdx] = fragPayload
		p.have++
	}

	if p.have < p.total {
		return nil, false
	}

	out := make([]byte, 0, p.payloadSz)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	delete(r.inflight, key)
	if hi, ok := r.highest[addr]; !ok || hdr.MsgSeqnum > hi {
		r.highest[addr] = hdr.MsgSeqnum
	}
	r.sweepLocked()
	return out, true
}

func (r *Reassembler) sweepLocked() {
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for k, p := range r.inflight {
		if p.lastSeen.Before(cutoff) {
			delete(r.inflight, k)
		}
	}
}
