package protocol

import (
	"encoding/binary"
	"errors"
)

// RPC error codes synthesised by the Proxy itself (spec.md §7). These are
// Proxy-local outcomes, not part of the sensor's own RPC error vocabulary,
// so they live at the top of the code space to avoid colliding with it.
const (
	RPCErrorTimeout  uint16 = 0xFFF1
	RPCErrorBusy     uint16 = 0xFFF2
	RPCErrorNotFound uint16 = 0xFFF3
)

// byNameFlag marks method_or_index as carrying an inline method name rather
// than a numeric method index (spec.md §4.1: "method length and 'by-name'
// flag packed in the high bits of method_or_index").
const byNameFlag uint16 = 0x8000

const methodLenMask = 0x7FFF

var (
	ErrRPCTruncated    = errors.New("protocol: truncated RPC payload")
	ErrRPCNameTooLong  = errors.New("protocol: RPC method name exceeds 15-bit length field")
)

// RPCRequest is the decoded payload of a KindRPCReq packet.
type RPCRequest struct {
	ID         uint16
	ByName     bool
	Method     string // set when ByName
	MethodIdx  uint16 // set when !ByName
	Args       []byte
}

// EncodeRPCRequest serialises an RPC request payload: {id, method_or_index} + args.
func EncodeRPCRequest(r RPCRequest) ([]byte, error) {
	var methodOrIndex uint16
	var methodBytes []byte
	if r.ByName {
		if len(r.Method) > methodLenMask {
			return nil, ErrRPCNameTooLong
		}
		methodOrIndex = byNameFlag | uint16(len(r.Method))
		methodBytes = []byte(r.Method)
	} else {
		methodOrIndex = r.MethodIdx &^ byNameFlag
	}

	buf := make([]byte, 4+len(methodBytes)+len(r.Args))
	binary.BigEndian.PutUint16(buf[0:2], r.ID)
	binary.BigEndian.PutUint16(buf[2:4], methodOrIndex)
	n := 4
	n += copy(buf[n:], methodBytes)
	copy(buf[n:], r.Args)
	return buf, nil
}

// DecodeRPCRequest parses an RPC request payload.
func DecodeRPCRequest(payload []byte) (RPCRequest, error) {
	if len(payload) < 4 {
		return RPCRequest{}, ErrRPCTruncated
	}
	id := binary.BigEndian.Uint16(payload[0:2])
	methodOrIndex := binary.BigEndian.Uint16(payload[2:4])

	req := RPCRequest{ID: id}
	rest := payload[4:]

	if methodOrIndex&byNameFlag != 0 {
		nameLen := int(methodOrIndex & methodLenMask)
		if len(rest) < nameLen {
			return RPCRequest{}, ErrRPCTruncated
		}
		req.ByName = true
		req.Method = string(rest[:nameLen])
		req.Args = append([]byte(nil), rest[nameLen:]...)
	} else {
		req.MethodIdx = methodOrIndex
		req.Args = append([]byte(nil), rest...)
	}
	return req, nil
}

// RewriteRequestID returns a copy of the request payload with its id field rewritten,
// used by the RPC remap table to substitute the Proxy-assigned id without
// re-parsing the method/args (spec.md §4.4 step "Rewrite request.id").
func RewriteRequestID(payload []byte, id uint16) ([]byte, error) {
	if len(payload) < 2 {
		return nil, ErrRPCTruncated
	}
	out := append([]byte(nil), payload...)
	binary.BigEndian.PutUint16(out[0:2], id)
	return out, nil
}

// RPCReplyID reads the leading req_id field shared by RPC reply and RPC
// error payloads, without decoding the rest.
func RPCReplyID(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, ErrRPCTruncated
	}
	return binary.BigEndian.Uint16(payload[0:2]), nil
}

// RewriteReplyID returns a copy of an RPC reply/error payload with its
// leading req_id field rewritten — the inverse of RewriteRequestID, applied
// when the Proxy delivers a reply back to the originating client under its
// original id (spec.md §4.4 step "rewrite request.id ← R.client_id").
func RewriteReplyID(payload []byte, id uint16) ([]byte, error) {
	return RewriteRequestID(payload, id)
}

// EncodeRPCError builds an RPC error payload for one of the Proxy-synthesised
// codes above (spec.md §7): {req_id, error_code}.
func EncodeRPCError(reqID, code uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], reqID)
	binary.BigEndian.PutUint16(buf[2:4], code)
	return buf
}

// EncodeRPCReply builds a successful RPC reply payload: {req_id} + result.
// Used both for sensor-originated replies passing through the remap table
// and for the Proxy's own hub-local RPC answers (spec.md §4.5: dev.desc,
// dev.proc.id, dev.ports).
func EncodeRPCReply(reqID uint16, result []byte) []byte {
	buf := make([]byte, 2+len(result))
	binary.BigEndian.PutUint16(buf[0:2], reqID)
	copy(buf[2:], result)
	return buf
}
