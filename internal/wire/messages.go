package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/covered-cache/edgecache/internal/hashring"
)

// MessageType is the one-byte type tag every message payload starts with
// and routes dispatch on the receive side.
type MessageType byte

const (
	TypeLocalGetRequest MessageType = iota + 1
	TypeLocalGetResponse
	TypeLocalPutRequest
	TypeLocalPutResponse
	TypeLocalDelRequest
	TypeLocalDelResponse
	TypeRedirectedGetRequest
	TypeRedirectedGetResponse
	TypeGlobalGetRequest
	TypeGlobalGetResponse
	TypeGlobalPutRequest
	TypeGlobalPutResponse
	TypeGlobalDelRequest
	TypeGlobalDelResponse
	TypeDirectoryLookupRequest
	TypeDirectoryLookupResponse
	TypeDirectoryUpdateRequest
	TypeDirectoryUpdateResponse
	TypeAcquireWritelockRequest
	TypeAcquireWritelockResponse
	TypeReleaseWritelockRequest
	TypeReleaseWritelockResponse
	TypeInvalidationRequest
	TypeInvalidationResponse
	TypeFinishBlockRequest
	TypeFinishBlockResponse
	TypeInitializationRequest
	TypeInitializationResponse
	TypeStartrunRequest
	TypeStartrunResponse
	TypeSwitchSlotRequest
	TypeSwitchSlotResponse
	TypeSimpleFinishrunResponse
	TypePlacementAdmitRequest
	TypePlacementAdmitResponse
)

func (t MessageType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

var typeNames = map[MessageType]string{
	TypeLocalGetRequest: "LocalGetRequest", TypeLocalGetResponse: "LocalGetResponse",
	TypeLocalPutRequest: "LocalPutRequest", TypeLocalPutResponse: "LocalPutResponse",
	TypeLocalDelRequest: "LocalDelRequest", TypeLocalDelResponse: "LocalDelResponse",
	TypeRedirectedGetRequest: "RedirectedGetRequest", TypeRedirectedGetResponse: "RedirectedGetResponse",
	TypeGlobalGetRequest: "GlobalGetRequest", TypeGlobalGetResponse: "GlobalGetResponse",
	TypeGlobalPutRequest: "GlobalPutRequest", TypeGlobalPutResponse: "GlobalPutResponse",
	TypeGlobalDelRequest: "GlobalDelRequest", TypeGlobalDelResponse: "GlobalDelResponse",
	TypeDirectoryLookupRequest: "DirectoryLookupRequest", TypeDirectoryLookupResponse: "DirectoryLookupResponse",
	TypeDirectoryUpdateRequest: "DirectoryUpdateRequest", TypeDirectoryUpdateResponse: "DirectoryUpdateResponse",
	TypeAcquireWritelockRequest: "AcquireWritelockRequest", TypeAcquireWritelockResponse: "AcquireWritelockResponse",
	TypeReleaseWritelockRequest: "ReleaseWritelockRequest", TypeReleaseWritelockResponse: "ReleaseWritelockResponse",
	TypeInvalidationRequest: "InvalidationRequest", TypeInvalidationResponse: "InvalidationResponse",
	TypeFinishBlockRequest: "FinishBlockRequest", TypeFinishBlockResponse: "FinishBlockResponse",
	TypeInitializationRequest: "InitializationRequest", TypeInitializationResponse: "InitializationResponse",
	TypeStartrunRequest: "StartrunRequest", TypeStartrunResponse: "StartrunResponse",
	TypeSwitchSlotRequest: "SwitchSlotRequest", TypeSwitchSlotResponse: "SwitchSlotResponse",
	TypeSimpleFinishrunResponse: "SimpleFinishrunResponse",
	TypePlacementAdmitRequest: "PlacementAdmitRequest", TypePlacementAdmitResponse: "PlacementAdmitResponse",
}

// HitFlag classifies how a get was satisfied.
type HitFlag byte

const (
	HitLocal HitFlag = iota + 1
	HitCooperative
	HitCooperativeInvalid
	HitGlobalMiss
)

var hitFlagNames = map[HitFlag]string{
	HitLocal:              "LocalHit",
	HitCooperative:        "CooperativeHit",
	HitCooperativeInvalid: "CooperativeInvalid",
	HitGlobalMiss:         "GlobalMiss",
}

func (h HitFlag) String() string {
	if s, ok := hitFlagNames[h]; ok {
		return s
	}
	return fmt.Sprintf("HitFlag(%d)", h)
}

// Message is implemented by every wire message. Encode appends the
// type tag, header, and type-specific fields to buf.
type Message interface {
	Type() MessageType
	Header() Header
	Encode(buf []byte) []byte
}

// KeyOf extracts the key a message concerns, used by internal/rpc's
// Dispatch (and every Serve handler that routes on it) to correlate a
// reply with the Call that is waiting for it. Messages that carry no
// key (the run-lifecycle Initialization/Startrun/SwitchSlot family)
// return ("", false).
func KeyOf(msg Message) (string, bool) {
	switch m := msg.(type) {
	case *LocalGetRequest:
		return m.Key, true
	case *LocalGetResponse:
		return m.Key, true
	case *LocalPutRequest:
		return m.Key, true
	case *LocalPutResponse:
		return m.Key, true
	case *LocalDelRequest:
		return m.Key, true
	case *LocalDelResponse:
		return m.Key, true
	case *RedirectedGetRequest:
		return m.Key, true
	case *RedirectedGetResponse:
		return m.Key, true
	case *GlobalGetRequest:
		return m.Key, true
	case *GlobalGetResponse:
		return m.Key, true
	case *GlobalPutRequest:
		return m.Key, true
	case *GlobalPutResponse:
		return m.Key, true
	case *GlobalDelRequest:
		return m.Key, true
	case *GlobalDelResponse:
		return m.Key, true
	case *PlacementAdmitRequest:
		return m.Key, true
	case *PlacementAdmitResponse:
		return m.Key, true
	case *DirectoryLookupRequest:
		return m.Key, true
	case *DirectoryLookupResponse:
		return m.Key, true
	case *DirectoryUpdateRequest:
		return m.Key, true
	case *DirectoryUpdateResponse:
		return m.Key, true
	case *AcquireWritelockRequest:
		return m.Key, true
	case *AcquireWritelockResponse:
		return m.Key, true
	case *ReleaseWritelockRequest:
		return m.Key, true
	case *ReleaseWritelockResponse:
		return m.Key, true
	case *InvalidationRequest:
		return m.Key, true
	case *InvalidationResponse:
		return m.Key, true
	case *FinishBlockRequest:
		return m.Key, true
	case *FinishBlockResponse:
		return m.Key, true
	default:
		return "", false
	}
}

// CoveredTrailer carries the COVERED-only additions to the wire
// protocol: victim_syncset, collected_popularity, and (for responses) a
// computed best-placement edgeset. Present on a message only when the
// node is running the COVERED variant; Encode/Decode treat a nil
// trailer as "absent" with a single presence byte, same convention as
// Header.Bandwidth.
type CoveredTrailer struct {
	VictimSyncset       []Key
	CollectedPopularity float64
	Edgeset             []hashring.EdgeID
}

func (c *CoveredTrailer) encode(buf []byte) []byte {
	if c == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(c.VictimSyncset)))
	buf = append(buf, cnt[:]...)
	for _, k := range c.VictimSyncset {
		buf = putString(buf, k)
	}
	buf = putFloat64(buf, c.CollectedPopularity)
	binary.BigEndian.PutUint32(cnt[:], uint32(len(c.Edgeset)))
	buf = append(buf, cnt[:]...)
	for _, e := range c.Edgeset {
		var eb [4]byte
		binary.BigEndian.PutUint32(eb[:], uint32(e))
		buf = append(buf, eb[:]...)
	}
	return buf
}

func decodeCoveredTrailer(buf []byte) (*CoveredTrailer, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, errShortBuffer
	}
	present := buf[0]
	buf = buf[1:]
	if present == 0 {
		return nil, buf, nil
	}
	if len(buf) < 4 {
		return nil, nil, errShortBuffer
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	ct := &CoveredTrailer{VictimSyncset: make([]Key, 0, n)}
	for i := uint32(0); i < n; i++ {
		k, rest, err := getString(buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest
		ct.VictimSyncset = append(ct.VictimSyncset, k)
	}
	pop, rest, err := getFloat64(buf)
	if err != nil {
		return nil, nil, err
	}
	buf = rest
	ct.CollectedPopularity = pop
	if len(buf) < 4 {
		return nil, nil, errShortBuffer
	}
	n = binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	ct.Edgeset = make([]hashring.EdgeID, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 4 {
			return nil, nil, errShortBuffer
		}
		ct.Edgeset = append(ct.Edgeset, hashring.EdgeID(binary.BigEndian.Uint32(buf)))
		buf = buf[4:]
	}
	return ct, buf, nil
}

func putFloat64(buf []byte, f float64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	return append(buf, tmp[:]...)
}

func getFloat64(buf []byte) (float64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errShortBuffer
	}
	bits := binary.BigEndian.Uint64(buf[:8])
	return math.Float64frombits(bits), buf[8:], nil
}

// --- Data messages ---

type LocalGetRequest struct {
	Hdr Header
	Key Key
}

func (m *LocalGetRequest) Type() MessageType { return TypeLocalGetRequest }
func (m *LocalGetRequest) Header() Header    { return m.Hdr }
func (m *LocalGetRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type LocalGetResponse struct {
	Hdr     Header
	Key     Key
	Value   Value
	Hit     HitFlag
	Trailer *CoveredTrailer
}

func (m *LocalGetResponse) Type() MessageType { return TypeLocalGetResponse }
func (m *LocalGetResponse) Header() Header    { return m.Hdr }
func (m *LocalGetResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = putValue(buf, m.Value)
	buf = append(buf, byte(m.Hit))
	return m.Trailer.encode(buf)
}

type LocalPutRequest struct {
	Hdr   Header
	Key   Key
	Value Value
}

func (m *LocalPutRequest) Type() MessageType { return TypeLocalPutRequest }
func (m *LocalPutRequest) Header() Header    { return m.Hdr }
func (m *LocalPutRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return putValue(buf, m.Value)
}

type LocalPutResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *LocalPutResponse) Type() MessageType { return TypeLocalPutResponse }
func (m *LocalPutResponse) Header() Header    { return m.Hdr }
func (m *LocalPutResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

type LocalDelRequest struct {
	Hdr Header
	Key Key
}

func (m *LocalDelRequest) Type() MessageType { return TypeLocalDelRequest }
func (m *LocalDelRequest) Header() Header    { return m.Hdr }
func (m *LocalDelRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type LocalDelResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *LocalDelResponse) Type() MessageType { return TypeLocalDelResponse }
func (m *LocalDelResponse) Header() Header    { return m.Hdr }
func (m *LocalDelResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

// RedirectedGetRequest/Response: sent from one edge's cache server to a
// peer's, never forwarded again.
type RedirectedGetRequest struct {
	Hdr Header
	Key Key
}

func (m *RedirectedGetRequest) Type() MessageType { return TypeRedirectedGetRequest }
func (m *RedirectedGetRequest) Header() Header    { return m.Hdr }
func (m *RedirectedGetRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type RedirectedGetResponse struct {
	Hdr   Header
	Key   Key
	Value Value
	Hit   HitFlag // HitCooperative, HitCooperativeInvalid, or HitGlobalMiss
}

func (m *RedirectedGetResponse) Type() MessageType { return TypeRedirectedGetResponse }
func (m *RedirectedGetResponse) Header() Header    { return m.Hdr }
func (m *RedirectedGetResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = putValue(buf, m.Value)
	return append(buf, byte(m.Hit))
}

// GlobalGet/Put/DelRequest/Response: the edge-to-cloud leg. The cloud
// answers against the authoritative origin store and nothing else --
// no directory, no MSI, no metadata.
type GlobalGetRequest struct {
	Hdr Header
	Key Key
}

func (m *GlobalGetRequest) Type() MessageType { return TypeGlobalGetRequest }
func (m *GlobalGetRequest) Header() Header    { return m.Hdr }
func (m *GlobalGetRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type GlobalGetResponse struct {
	Hdr   Header
	Key   Key
	Value Value
	Found bool
}

func (m *GlobalGetResponse) Type() MessageType { return TypeGlobalGetResponse }
func (m *GlobalGetResponse) Header() Header    { return m.Hdr }
func (m *GlobalGetResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = putValue(buf, m.Value)
	return append(buf, boolByte(m.Found))
}

type GlobalPutRequest struct {
	Hdr   Header
	Key   Key
	Value Value
}

func (m *GlobalPutRequest) Type() MessageType { return TypeGlobalPutRequest }
func (m *GlobalPutRequest) Header() Header    { return m.Hdr }
func (m *GlobalPutRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return putValue(buf, m.Value)
}

type GlobalPutResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *GlobalPutResponse) Type() MessageType { return TypeGlobalPutResponse }
func (m *GlobalPutResponse) Header() Header    { return m.Hdr }
func (m *GlobalPutResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

type GlobalDelRequest struct {
	Hdr Header
	Key Key
}

func (m *GlobalDelRequest) Type() MessageType { return TypeGlobalDelRequest }
func (m *GlobalDelRequest) Header() Header    { return m.Hdr }
func (m *GlobalDelRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type GlobalDelResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *GlobalDelResponse) Type() MessageType { return TypeGlobalDelResponse }
func (m *GlobalDelResponse) Header() Header    { return m.Hdr }
func (m *GlobalDelResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

// PlacementAdmitRequest/Response: the COVERED placement deployer's
// admit step for a target edge that is not the deployer's own node --
// a direct store admit, not a client LocalPutRequest, so it never
// touches the write lock or the origin.
type PlacementAdmitRequest struct {
	Hdr   Header
	Key   Key
	Value Value
}

func (m *PlacementAdmitRequest) Type() MessageType { return TypePlacementAdmitRequest }
func (m *PlacementAdmitRequest) Header() Header    { return m.Hdr }
func (m *PlacementAdmitRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return putValue(buf, m.Value)
}

type PlacementAdmitResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *PlacementAdmitResponse) Type() MessageType { return TypePlacementAdmitResponse }
func (m *PlacementAdmitResponse) Header() Header    { return m.Hdr }
func (m *PlacementAdmitResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

// --- Directory messages (beacon-only) ---

type DirectoryLookupRequest struct {
	Hdr Header
	Key Key
}

func (m *DirectoryLookupRequest) Type() MessageType { return TypeDirectoryLookupRequest }
func (m *DirectoryLookupRequest) Header() Header    { return m.Hdr }
func (m *DirectoryLookupRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type DirectoryLookupResponse struct {
	Hdr           Header
	Key           Key
	BeingWritten  bool
	ValidExists   bool
	Info          DirectoryInfo
}

func (m *DirectoryLookupResponse) Type() MessageType { return TypeDirectoryLookupResponse }
func (m *DirectoryLookupResponse) Header() Header    { return m.Hdr }
func (m *DirectoryLookupResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = append(buf, boolByte(m.BeingWritten), boolByte(m.ValidExists))
	return putDirInfo(buf, m.Info)
}

// DirectoryUpdateRequest's Trailer piggybacks this edge's victim-sync
// delta and locally observed popularity onto the one message every
// admit/evict already sends its beacon; the beacon folds it into its
// PopularityAggregator via covered.Manager.IngestPopularity.
type DirectoryUpdateRequest struct {
	Hdr     Header
	Key     Key
	IsAdmit bool
	Info    DirectoryInfo
	Trailer *CoveredTrailer
}

func (m *DirectoryUpdateRequest) Type() MessageType { return TypeDirectoryUpdateRequest }
func (m *DirectoryUpdateRequest) Header() Header    { return m.Hdr }
func (m *DirectoryUpdateRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = append(buf, boolByte(m.IsAdmit))
	buf = putDirInfo(buf, m.Info)
	return m.Trailer.encode(buf)
}

type DirectoryUpdateResponse struct {
	Hdr          Header
	Key          Key
	BeingWritten bool
	Trailer      *CoveredTrailer
}

func (m *DirectoryUpdateResponse) Type() MessageType { return TypeDirectoryUpdateResponse }
func (m *DirectoryUpdateResponse) Header() Header    { return m.Hdr }
func (m *DirectoryUpdateResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = append(buf, boolByte(m.BeingWritten))
	return m.Trailer.encode(buf)
}

// --- MSI messages ---

// AcquireWritelockRequest's Trailer carries the same piggyback as
// DirectoryUpdateRequest: a writer is also a natural
// point to report fresh popularity/victim state to the key's beacon.
type AcquireWritelockRequest struct {
	Hdr     Header
	Key     Key
	Trailer *CoveredTrailer
}

func (m *AcquireWritelockRequest) Type() MessageType { return TypeAcquireWritelockRequest }
func (m *AcquireWritelockRequest) Header() Header    { return m.Hdr }
func (m *AcquireWritelockRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return m.Trailer.encode(buf)
}

// AcquireResult is the three-way outcome of a write-lock acquire.
type AcquireResult byte

const (
	AcquireSuccess AcquireResult = iota + 1
	AcquireFailure
	AcquireNoNeed
)

type AcquireWritelockResponse struct {
	Hdr     Header
	Key     Key
	Result  AcquireResult
	Trailer *CoveredTrailer
}

func (m *AcquireWritelockResponse) Type() MessageType { return TypeAcquireWritelockResponse }
func (m *AcquireWritelockResponse) Header() Header    { return m.Hdr }
func (m *AcquireWritelockResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = append(buf, byte(m.Result))
	return m.Trailer.encode(buf)
}

// ReleaseWritelockRequest's Trailer reports the same piggyback at
// release time, when the writer has just admitted its new value
// locally and so has the freshest possible popularity sample for it.
type ReleaseWritelockRequest struct {
	Hdr     Header
	Key     Key
	Trailer *CoveredTrailer
}

func (m *ReleaseWritelockRequest) Type() MessageType { return TypeReleaseWritelockRequest }
func (m *ReleaseWritelockRequest) Header() Header    { return m.Hdr }
func (m *ReleaseWritelockRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return m.Trailer.encode(buf)
}

type ReleaseWritelockResponse struct {
	Hdr     Header
	Key     Key
	OK      bool
	Trailer *CoveredTrailer
}

func (m *ReleaseWritelockResponse) Type() MessageType { return TypeReleaseWritelockResponse }
func (m *ReleaseWritelockResponse) Header() Header    { return m.Hdr }
func (m *ReleaseWritelockResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	buf = append(buf, boolByte(m.OK))
	return m.Trailer.encode(buf)
}

type InvalidationRequest struct {
	Hdr Header
	Key Key
}

func (m *InvalidationRequest) Type() MessageType { return TypeInvalidationRequest }
func (m *InvalidationRequest) Header() Header    { return m.Hdr }
func (m *InvalidationRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type InvalidationResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *InvalidationResponse) Type() MessageType { return TypeInvalidationResponse }
func (m *InvalidationResponse) Header() Header    { return m.Hdr }
func (m *InvalidationResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

type FinishBlockRequest struct {
	Hdr Header
	Key Key
}

func (m *FinishBlockRequest) Type() MessageType { return TypeFinishBlockRequest }
func (m *FinishBlockRequest) Header() Header    { return m.Hdr }
func (m *FinishBlockRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.Key)
}

type FinishBlockResponse struct {
	Hdr Header
	Key Key
	OK  bool
}

func (m *FinishBlockResponse) Type() MessageType { return TypeFinishBlockResponse }
func (m *FinishBlockResponse) Header() Header    { return m.Hdr }
func (m *FinishBlockResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.Key)
	return append(buf, boolByte(m.OK))
}

// --- Benchmark control messages. The harness lives elsewhere; a node
// only has to speak this handshake. ---

type InitializationRequest struct {
	Hdr     Header
	RunID   string
}

func (m *InitializationRequest) Type() MessageType { return TypeInitializationRequest }
func (m *InitializationRequest) Header() Header    { return m.Hdr }
func (m *InitializationRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return putString(buf, m.RunID)
}

type InitializationResponse struct {
	Hdr   Header
	RunID string
	OK    bool
}

func (m *InitializationResponse) Type() MessageType { return TypeInitializationResponse }
func (m *InitializationResponse) Header() Header    { return m.Hdr }
func (m *InitializationResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	buf = putString(buf, m.RunID)
	return append(buf, boolByte(m.OK))
}

type StartrunRequest struct {
	Hdr Header
}

func (m *StartrunRequest) Type() MessageType { return TypeStartrunRequest }
func (m *StartrunRequest) Header() Header    { return m.Hdr }
func (m *StartrunRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	return m.Hdr.Encode(buf)
}

type StartrunResponse struct {
	Hdr Header
	OK  bool
}

func (m *StartrunResponse) Type() MessageType { return TypeStartrunResponse }
func (m *StartrunResponse) Header() Header    { return m.Hdr }
func (m *StartrunResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	return append(buf, boolByte(m.OK))
}

type SwitchSlotRequest struct {
	Hdr  Header
	Slot uint32
}

func (m *SwitchSlotRequest) Type() MessageType { return TypeSwitchSlotRequest }
func (m *SwitchSlotRequest) Header() Header    { return m.Hdr }
func (m *SwitchSlotRequest) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], m.Slot)
	return append(buf, tmp[:]...)
}

type SwitchSlotResponse struct {
	Hdr  Header
	Slot uint32
	OK   bool
}

func (m *SwitchSlotResponse) Type() MessageType { return TypeSwitchSlotResponse }
func (m *SwitchSlotResponse) Header() Header    { return m.Hdr }
func (m *SwitchSlotResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	buf = m.Hdr.Encode(buf)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], m.Slot)
	buf = append(buf, tmp[:]...)
	return append(buf, boolByte(m.OK))
}

type SimpleFinishrunResponse struct {
	Hdr Header
}

func (m *SimpleFinishrunResponse) Type() MessageType { return TypeSimpleFinishrunResponse }
func (m *SimpleFinishrunResponse) Header() Header    { return m.Hdr }
func (m *SimpleFinishrunResponse) Encode(buf []byte) []byte {
	buf = append(buf, byte(m.Type()))
	return m.Hdr.Encode(buf)
}

// --- shared field helpers ---

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func putValue(buf []byte, v Value) []byte {
	buf = append(buf, boolByte(v.Deleted))
	return putBytes(buf, v.Bytes)
}

func getValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, errShortBuffer
	}
	deleted := buf[0] == 1
	buf = buf[1:]
	b, rest, err := getBytes(buf)
	if err != nil {
		return Value{}, nil, err
	}
	return Value{Bytes: b, Deleted: deleted}, rest, nil
}

func putDirInfo(buf []byte, d DirectoryInfo) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(d.EdgeID))
	buf = append(buf, tmp[:]...)
	return append(buf, boolByte(d.Valid))
}

func getDirInfo(buf []byte) (DirectoryInfo, []byte, error) {
	if len(buf) < 5 {
		return DirectoryInfo{}, nil, errShortBuffer
	}
	id := hashring.EdgeID(binary.BigEndian.Uint32(buf))
	valid := buf[4] == 1
	return DirectoryInfo{EdgeID: id, Valid: valid}, buf[5:], nil
}
