// Package protocol implements the wire framing described in spec.md §3–§4.1:
// a fixed header, a typed payload, and a trailing per-hop routing stack.
package protocol

// Kind identifies the payload shape carried by a packet (spec.md §4.1).
// Values below StreamDataThreshold are control types; any value at or above
// it denotes stream data, with the stream index derived as Kind -
// StreamDataThreshold.
type Kind uint8

const (
	KindHeartbeat Kind = 0
	KindText      Kind = 1
	KindLog       Kind = 2
	KindSource    Kind = 3
	KindStream    Kind = 4 // stream-descriptor update, not stream data
	KindTimebase  Kind = 5
	KindMetadata  Kind = 6
	KindRPCReq    Kind = 7
	KindRPCReply  Kind = 8
	KindRPCError  Kind = 9

	// StreamDataThreshold is the fixed offset above which a packet's type
	// byte denotes raw stream data rather than a control message: stream N
	// is carried by type = StreamDataThreshold + N (spec.md §4.1).
	StreamDataThreshold Kind = 128
)

// IsStreamData reports whether k denotes a stream-data packet rather than a
// control packet.
func (k Kind) IsStreamData() bool {
	return k >= StreamDataThreshold
}

// StreamIndex returns the stream number a stream-data Kind denotes. Callers
// must check IsStreamData first.
func (k Kind) StreamIndex() int {
	return int(k - StreamDataThreshold)
}

// StreamKind returns the Kind for stream data on stream index n.
func StreamKind(n int) Kind {
	return StreamDataThreshold + Kind(n)
}

func (k Kind) String() string {
	switch {
	case k.IsStreamData():
		return "stream-data"
	case k == KindHeartbeat:
		return "heartbeat"
	case k == KindText:
		return "text"
	case k == KindLog:
		return "log"
	case k == KindSource:
		return "source"
	case k == KindStream:
		return "stream-update"
	case k == KindTimebase:
		return "timebase"
	case k == KindMetadata:
		return "metadata"
	case k == KindRPCReq:
		return "rpc-request"
	case k == KindRPCReply:
		return "rpc-reply"
	case k == KindRPCError:
		return "rpc-error"
	default:
		return "unknown"
	}
}
