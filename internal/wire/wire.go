// Package wire implements the cross-node control/data protocol: a
// 16-byte fragment header for UDP reassembly, and a message payload
// with a one-byte type tag, a common header, and two optional trailers
// (event list, bandwidth usage).
//
// All integers are big-endian and the byte layout is pinned exactly,
// so encoding is hand-rolled with encoding/binary rather than left to
// a generic codec that would own the layout itself.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/covered-cache/edgecache/internal/hashring"
)

// Key is an opaque, hashable, totally ordered byte string.
type Key = string

// Value is opaque bytes plus a deleted tombstone flag. A deleted
// value has zero payload but occupies a lookup slot until a later
// admission overwrites it.
type Value struct {
	Bytes   []byte
	Deleted bool
}

// Clone returns an independent copy of v.
func (v Value) Clone() Value {
	if v.Bytes == nil {
		return Value{Deleted: v.Deleted}
	}
	b := make([]byte, len(v.Bytes))
	copy(b, v.Bytes)
	return Value{Bytes: b, Deleted: v.Deleted}
}

// Size is the byte count charged to capacity accounting for v:
// payload bytes only, tombstones cost zero.
func (v Value) Size() int64 {
	if v.Deleted {
		return 0
	}
	return int64(len(v.Bytes))
}

// NetworkAddr is a UDP endpoint, carried inline in message headers so
// a receiver can reply without reverse-resolving the sender.
type NetworkAddr struct {
	Host string
	Port uint16
}

func (a NetworkAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Valid reports whether a names a real endpoint.
func (a NetworkAddr) Valid() bool {
	return a.Host != "" && a.Port != 0
}

// DirectoryInfo identifies one cacher of a key.
type DirectoryInfo struct {
	EdgeID hashring.EdgeID
	Valid  bool
}

// Event is one named latency sample, piggybacked on messages for the
// benchmark harness's event trace.
type Event struct {
	Name      string
	LatencyUs uint32
}

// BandwidthUsage is the eight-counter trailer every message may carry:
// byte and message counts for client-edge, cross-edge-control,
// cross-edge-data, and edge-cloud links.
type BandwidthUsage struct {
	ClientEdgeBytes       uint64
	CrossEdgeControlBytes uint64
	CrossEdgeDataBytes    uint64
	EdgeCloudBytes        uint64
	ClientEdgeMsgs        uint64
	CrossEdgeControlMsgs  uint64
	CrossEdgeDataMsgs     uint64
	EdgeCloudMsgs         uint64
}

// Add accumulates other into u.
func (u *BandwidthUsage) Add(other BandwidthUsage) {
	u.ClientEdgeBytes += other.ClientEdgeBytes
	u.CrossEdgeControlBytes += other.CrossEdgeControlBytes
	u.CrossEdgeDataBytes += other.CrossEdgeDataBytes
	u.EdgeCloudBytes += other.EdgeCloudBytes
	u.ClientEdgeMsgs += other.ClientEdgeMsgs
	u.CrossEdgeControlMsgs += other.CrossEdgeControlMsgs
	u.CrossEdgeDataMsgs += other.CrossEdgeDataMsgs
	u.EdgeCloudMsgs += other.EdgeCloudMsgs
}

// Header is the common header every message payload carries.
type Header struct {
	SourceEdgeID hashring.EdgeID
	SourceAddr   NetworkAddr
	Events       []Event
	Bandwidth    *BandwidthUsage // nil when the trailer is absent
}

var (
	errShortBuffer = errors.New("wire: buffer too short")
)

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, errShortBuffer
	}
	return string(buf[:n]), buf[n:], nil
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errShortBuffer
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, buf[n:], nil
}

// Encode appends h's wire representation to buf and returns the result.
func (h Header) Encode(buf []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(h.SourceEdgeID))
	buf = append(buf, tmp[:]...)
	buf = putString(buf, h.SourceAddr.Host)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], h.SourceAddr.Port)
	buf = append(buf, portBuf[:]...)

	// event_list trailer: N events, each name_len|name|latency_us
	var evCnt [4]byte
	binary.BigEndian.PutUint32(evCnt[:], uint32(len(h.Events)))
	buf = append(buf, evCnt[:]...)
	for _, e := range h.Events {
		buf = putString(buf, e.Name)
		var lat [4]byte
		binary.BigEndian.PutUint32(lat[:], e.LatencyUs)
		buf = append(buf, lat[:]...)
	}

	// bandwidth_usage trailer: presence flag + eight uint64 counters
	if h.Bandwidth != nil {
		buf = append(buf, 1)
		buf = putUint64s(buf, h.Bandwidth)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func putUint64s(buf []byte, u *BandwidthUsage) []byte {
	vals := [8]uint64{
		u.ClientEdgeBytes, u.CrossEdgeControlBytes, u.CrossEdgeDataBytes, u.EdgeCloudBytes,
		u.ClientEdgeMsgs, u.CrossEdgeControlMsgs, u.CrossEdgeDataMsgs, u.EdgeCloudMsgs,
	}
	var tmp [8]byte
	for _, v := range vals {
		binary.BigEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func getUint64s(buf []byte) (*BandwidthUsage, []byte, error) {
	if len(buf) < 64 {
		return nil, nil, errShortBuffer
	}
	var vals [8]uint64
	for i := 0; i < 8; i++ {
		vals[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	buf = buf[64:]
	return &BandwidthUsage{
		ClientEdgeBytes: vals[0], CrossEdgeControlBytes: vals[1], CrossEdgeDataBytes: vals[2], EdgeCloudBytes: vals[3],
		ClientEdgeMsgs: vals[4], CrossEdgeControlMsgs: vals[5], CrossEdgeDataMsgs: vals[6], EdgeCloudMsgs: vals[7],
	}, buf, nil
}

// Decode parses a Header from the front of buf, returning the remainder.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	var h Header
	if len(buf) < 4 {
		return h, nil, errShortBuffer
	}
	h.SourceEdgeID = hashring.EdgeID(binary.BigEndian.Uint32(buf))
	buf = buf[4:]

	host, rest, err := getString(buf)
	if err != nil {
		return h, nil, err
	}
	buf = rest
	if len(buf) < 2 {
		return h, nil, errShortBuffer
	}
	port := binary.BigEndian.Uint16(buf)
	buf = buf[2:]
	h.SourceAddr = NetworkAddr{Host: host, Port: port}

	if len(buf) < 4 {
		return h, nil, errShortBuffer
	}
	evCnt := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	h.Events = make([]Event, 0, evCnt)
	for i := uint32(0); i < evCnt; i++ {
		name, rest, err := getString(buf)
		if err != nil {
			return h, nil, err
		}
		buf = rest
		if len(buf) < 4 {
			return h, nil, errShortBuffer
		}
		lat := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		h.Events = append(h.Events, Event{Name: name, LatencyUs: lat})
	}

	if len(buf) < 1 {
		return h, nil, errShortBuffer
	}
	hasBw := buf[0]
	buf = buf[1:]
	if hasBw == 1 {
		bw, rest, err := getUint64s(buf)
		if err != nil {
			return h, nil, err
		}
		h.Bandwidth = bw
		buf = rest
	}
	return h, buf, nil
}
