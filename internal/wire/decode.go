package wire

import (
	"encoding/binary"
	"fmt"
)

// DecodeMessage reads the one-byte type tag at the front of buf and
// parses the rest according to that type. It is the receive-side
// counterpart to every Encode method in messages.go.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return nil, errShortBuffer
	}
	typ := MessageType(buf[0])
	buf = buf[1:]

	hdr, buf, err := DecodeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: decoding header for %s: %w", typ, err)
	}

	switch typ {
	case TypeLocalGetRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &LocalGetRequest{Hdr: hdr, Key: key}, nil

	case TypeLocalGetResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, rest, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errShortBuffer
		}
		hit := HitFlag(rest[0])
		rest = rest[1:]
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &LocalGetResponse{Hdr: hdr, Key: key, Value: val, Hit: hit, Trailer: trailer}, nil

	case TypeLocalPutRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, _, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		return &LocalPutRequest{Hdr: hdr, Key: key, Value: val}, nil

	case TypeLocalPutResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &LocalPutResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeLocalDelRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &LocalDelRequest{Hdr: hdr, Key: key}, nil

	case TypeLocalDelResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &LocalDelResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeRedirectedGetRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &RedirectedGetRequest{Hdr: hdr, Key: key}, nil

	case TypeRedirectedGetResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, rest, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errShortBuffer
		}
		return &RedirectedGetResponse{Hdr: hdr, Key: key, Value: val, Hit: HitFlag(rest[0])}, nil

	case TypeGlobalGetRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &GlobalGetRequest{Hdr: hdr, Key: key}, nil

	case TypeGlobalGetResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, rest, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		found, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &GlobalGetResponse{Hdr: hdr, Key: key, Value: val, Found: found}, nil

	case TypeGlobalPutRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, _, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		return &GlobalPutRequest{Hdr: hdr, Key: key, Value: val}, nil

	case TypeGlobalPutResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &GlobalPutResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeGlobalDelRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &GlobalDelRequest{Hdr: hdr, Key: key}, nil

	case TypeGlobalDelResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &GlobalDelResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypePlacementAdmitRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		val, _, err := getValue(rest)
		if err != nil {
			return nil, err
		}
		return &PlacementAdmitRequest{Hdr: hdr, Key: key, Value: val}, nil

	case TypePlacementAdmitResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &PlacementAdmitResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeDirectoryLookupRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &DirectoryLookupRequest{Hdr: hdr, Key: key}, nil

	case TypeDirectoryLookupResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, errShortBuffer
		}
		beingWritten := rest[0] == 1
		validExists := rest[1] == 1
		rest = rest[2:]
		info, _, err := getDirInfo(rest)
		if err != nil {
			return nil, err
		}
		return &DirectoryLookupResponse{Hdr: hdr, Key: key, BeingWritten: beingWritten, ValidExists: validExists, Info: info}, nil

	case TypeDirectoryUpdateRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errShortBuffer
		}
		isAdmit := rest[0] == 1
		rest = rest[1:]
		info, rest, err := getDirInfo(rest)
		if err != nil {
			return nil, err
		}
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &DirectoryUpdateRequest{Hdr: hdr, Key: key, IsAdmit: isAdmit, Info: info, Trailer: trailer}, nil

	case TypeDirectoryUpdateResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errShortBuffer
		}
		beingWritten := rest[0] == 1
		rest = rest[1:]
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &DirectoryUpdateResponse{Hdr: hdr, Key: key, BeingWritten: beingWritten, Trailer: trailer}, nil

	case TypeAcquireWritelockRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &AcquireWritelockRequest{Hdr: hdr, Key: key, Trailer: trailer}, nil

	case TypeAcquireWritelockResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, errShortBuffer
		}
		result := AcquireResult(rest[0])
		rest = rest[1:]
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &AcquireWritelockResponse{Hdr: hdr, Key: key, Result: result, Trailer: trailer}, nil

	case TypeReleaseWritelockRequest:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &ReleaseWritelockRequest{Hdr: hdr, Key: key, Trailer: trailer}, nil

	case TypeReleaseWritelockResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[1:]
		trailer, _, err := decodeCoveredTrailer(rest)
		if err != nil {
			return nil, err
		}
		return &ReleaseWritelockResponse{Hdr: hdr, Key: key, OK: ok, Trailer: trailer}, nil

	case TypeInvalidationRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &InvalidationRequest{Hdr: hdr, Key: key}, nil

	case TypeInvalidationResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &InvalidationResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeFinishBlockRequest:
		key, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &FinishBlockRequest{Hdr: hdr, Key: key}, nil

	case TypeFinishBlockResponse:
		key, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &FinishBlockResponse{Hdr: hdr, Key: key, OK: ok}, nil

	case TypeInitializationRequest:
		runID, _, err := getString(buf)
		if err != nil {
			return nil, err
		}
		return &InitializationRequest{Hdr: hdr, RunID: runID}, nil

	case TypeInitializationResponse:
		runID, rest, err := getString(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &InitializationResponse{Hdr: hdr, RunID: runID, OK: ok}, nil

	case TypeStartrunRequest:
		return &StartrunRequest{Hdr: hdr}, nil

	case TypeStartrunResponse:
		ok, err := getBool(buf)
		if err != nil {
			return nil, err
		}
		return &StartrunResponse{Hdr: hdr, OK: ok}, nil

	case TypeSwitchSlotRequest:
		slot, _, err := getUint32(buf)
		if err != nil {
			return nil, err
		}
		return &SwitchSlotRequest{Hdr: hdr, Slot: slot}, nil

	case TypeSwitchSlotResponse:
		slot, rest, err := getUint32(buf)
		if err != nil {
			return nil, err
		}
		ok, err := getBool(rest)
		if err != nil {
			return nil, err
		}
		return &SwitchSlotResponse{Hdr: hdr, Slot: slot, OK: ok}, nil

	case TypeSimpleFinishrunResponse:
		return &SimpleFinishrunResponse{Hdr: hdr}, nil

	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}
}

func getBool(buf []byte) (bool, error) {
	if len(buf) < 1 {
		return false, errShortBuffer
	}
	return buf[0] == 1, nil
}

func getUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errShortBuffer
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}
