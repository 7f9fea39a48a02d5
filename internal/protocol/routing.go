package protocol

import "errors"

var ErrRoutingFull = errors.New("protocol: routing stack at maximum depth")

// PushHop appends a hop to the end of a routing stack — the operation the
// Hub Router performs on a sensor→client packet (spec.md §4.5): the
// sensor's own index is pushed onto whatever routing the packet already
// carries. Returns ErrRoutingFull rather than silently truncating, since
// spec.md requires the caller to log-and-drop on overflow.
func PushHop(routing []byte, hop uint8) ([]byte, error) {
	if len(routing) >= MaxRoutingDepth {
		return nil, ErrRoutingFull
	}
	out := make([]byte, len(routing)+1)
	copy(out, routing)
	out[len(routing)] = hop
	return out, nil
}

// PopHop removes and returns the last hop in a routing stack — the
// operation the Hub Router performs on a client→sensor packet (spec.md
// §4.5): the top-of-stack byte names the destination sensor index.
// ok is false if routing is empty.
func PopHop(routing []byte) (hop uint8, rest []byte, ok bool) {
	if len(routing) == 0 {
		return 0, nil, false
	}
	n := len(routing) - 1
	hop = routing[n]
	rest = make([]byte, n)
	copy(rest, routing[:n])
	return hop, rest, true
}
