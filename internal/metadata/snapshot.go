package metadata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Snapshot writes a length-prefixed binary dump: per-key list
// size+entries, then per-group map size+entries, then the lookup
// table size. The lookup table itself is not written -- its keys are
// rebuilt from the per-key entries on Restore. The format is stable
// across runs of the same build and carries no version field.
func (m *Cached) Snapshot(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bw := bufio.NewWriter(w)

	keys := make([]string, 0, len(m.lookup))
	for k := range m.lookup {
		keys = append(keys, k)
	}

	if err := writeU32(bw, uint32(len(keys))); err != nil {
		return err
	}
	for _, key := range keys {
		h := m.lookup[key]
		rec := &m.arena[h.idx]
		if err := writeRecord(bw, rec); err != nil {
			return fmt.Errorf("metadata: snapshot record %q: %w", key, err)
		}
	}

	groupIDs := make([]int, 0, len(m.groups))
	for id := range m.groups {
		groupIDs = append(groupIDs, id)
	}
	if err := writeU32(bw, uint32(len(groupIDs))); err != nil {
		return err
	}
	for _, id := range groupIDs {
		g := m.groups[id]
		if err := writeGroup(bw, g); err != nil {
			return fmt.Errorf("metadata: snapshot group %d: %w", id, err)
		}
	}

	// Lookup table size: rebuilt from the per-key entries above on
	// restore. Written here only so a reader can sanity-check record
	// count against this trailer without re-scanning.
	if err := writeU32(bw, uint32(len(keys))); err != nil {
		return err
	}

	trailer := []uint64{
		uint64(int32ToU32(int32(m.curGroupID))),
		uint64(int32ToU32(int32(m.curGroupKeyCount))),
		uint64(int32ToU32(int32(m.pergroupMaxKeys))),
		uint64(int32ToU32(int32(m.topN))),
		m.recencySeq,
	}
	for _, v := range trailer {
		if err := writeU64(bw, v); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Restore replaces m's contents with a snapshot previously written by
// Snapshot. m must be freshly constructed (via New) -- Restore does
// not merge with existing state.
func (m *Cached) Restore(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	br := bufio.NewReader(r)

	numKeys, err := readU32(br)
	if err != nil {
		return fmt.Errorf("metadata: restore key count: %w", err)
	}

	type restored struct {
		key string
		rec record
	}
	recs := make([]restored, 0, numKeys)
	for i := uint32(0); i < numKeys; i++ {
		key, rec, err := readRecord(br)
		if err != nil {
			return fmt.Errorf("metadata: restore record %d: %w", i, err)
		}
		recs = append(recs, restored{key: key, rec: rec})
	}

	numGroups, err := readU32(br)
	if err != nil {
		return fmt.Errorf("metadata: restore group count: %w", err)
	}
	groups := make(map[int]*group, numGroups)
	for i := uint32(0); i < numGroups; i++ {
		g, err := readGroup(br)
		if err != nil {
			return fmt.Errorf("metadata: restore group %d: %w", i, err)
		}
		groups[g.id] = g
	}

	lookupSize, err := readU32(br)
	if err != nil {
		return fmt.Errorf("metadata: restore lookup size: %w", err)
	}
	if lookupSize != numKeys {
		return fmt.Errorf("metadata: restore lookup size %d does not match key count %d", lookupSize, numKeys)
	}

	trailer := make([]uint64, 5)
	for i := range trailer {
		v, err := readU64(br)
		if err != nil {
			return fmt.Errorf("metadata: restore trailer %d: %w", i, err)
		}
		trailer[i] = v
	}

	m.arena = m.arena[:0]
	m.freeList = m.freeList[:0]
	m.lookup = make(map[string]handle, numKeys)
	m.rewardIndex = m.rewardIndex[:0]
	m.groups = groups
	m.curGroupID = int(u32ToInt32(uint32(trailer[0])))
	m.curGroupKeyCount = int(u32ToInt32(uint32(trailer[1])))
	m.pergroupMaxKeys = int(u32ToInt32(uint32(trailer[2])))
	m.topN = int(u32ToInt32(uint32(trailer[3])))
	m.recencySeq = trailer[4]

	for _, rr := range recs {
		h := m.allocRecord()
		m.arena[h.idx] = rr.rec
		m.arena[h.idx].occupied = true
		m.arena[h.idx].gen = h.gen
		m.lookup[rr.key] = h
		m.insertReward(h)
	}

	return nil
}

func writeRecord(w io.Writer, rec *record) error {
	if err := writeString(w, rec.key); err != nil {
		return err
	}
	if err := writeU32(w, uint32(int32ToU32(int32(rec.groupID)))); err != nil {
		return err
	}
	if err := writeU64(w, rec.meta.localFreq); err != nil {
		return err
	}
	if err := writeU64(w, rec.meta.redirectedFreq); err != nil {
		return err
	}
	if rec.meta.objectSize != nil {
		if err := writeByte(w, 1); err != nil {
			return err
		}
		if err := writeU64(w, uint64(*rec.meta.objectSize)); err != nil {
			return err
		}
	} else {
		if err := writeByte(w, 0); err != nil {
			return err
		}
	}
	if err := writeU64(w, rec.meta.recencySeq); err != nil {
		return err
	}
	return writeU64(w, math.Float64bits(rec.reward))
}

func readRecord(r io.Reader) (string, record, error) {
	var rec record
	key, err := readString(r)
	if err != nil {
		return "", rec, err
	}
	groupIDRaw, err := readU32(r)
	if err != nil {
		return "", rec, err
	}
	localFreq, err := readU64(r)
	if err != nil {
		return "", rec, err
	}
	redirectedFreq, err := readU64(r)
	if err != nil {
		return "", rec, err
	}
	hasSize, err := readByte(r)
	if err != nil {
		return "", rec, err
	}
	var objectSize *int64
	if hasSize == 1 {
		sz, err := readU64(r)
		if err != nil {
			return "", rec, err
		}
		v := int64(sz)
		objectSize = &v
	}
	recencySeq, err := readU64(r)
	if err != nil {
		return "", rec, err
	}
	rewardBits, err := readU64(r)
	if err != nil {
		return "", rec, err
	}
	rec.key = key
	rec.groupID = int(u32ToInt32(groupIDRaw))
	rec.meta = keyLevelMetadata{
		localFreq:      localFreq,
		redirectedFreq: redirectedFreq,
		objectSize:     objectSize,
		recencySeq:     recencySeq,
	}
	rec.reward = math.Float64frombits(rewardBits)
	return key, rec, nil
}

func writeGroup(w io.Writer, g *group) error {
	if err := writeU32(w, uint32(int32ToU32(int32(g.id)))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(int32ToU32(int32(g.keyCount)))); err != nil {
		return err
	}
	return writeU64(w, uint64(g.totalSize))
}

func readGroup(r io.Reader) (*group, error) {
	idRaw, err := readU32(r)
	if err != nil {
		return nil, err
	}
	keyCountRaw, err := readU32(r)
	if err != nil {
		return nil, err
	}
	totalSize, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &group{
		id:        int(u32ToInt32(idRaw)),
		keyCount:  int(u32ToInt32(keyCountRaw)),
		totalSize: int64(totalSize),
	}, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func int32ToU32(v int32) uint32 { return uint32(v) }
func u32ToInt32(v uint32) int32 { return int32(v) }
