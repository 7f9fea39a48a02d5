// Package hub implements the Proxy's routing-stack logic for multi-sensor
// deployments (spec.md §4.5): peeling a destination sensor index off
// outbound packets, pushing the origin index onto inbound ones, and
// answering the three hub-local RPC methods when a client addresses the
// Proxy itself with an empty routing stack.
package hub

import (
	"encoding/binary"
	"errors"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

// Mode selects between the two sensor topologies spec.md §4.5 describes.
type Mode int

const (
	// ModeDirect: exactly one sensor, routing stacks are always empty, no
	// rewriting happens at all.
	ModeDirect Mode = iota
	// ModeHub: multiple sensors addressed by routing-stack index.
	ModeHub
)

// DefaultName is the hub description string dev.desc answers with. The
// original keeps this distinct from the hub id (tio-proxy.c:86,378-383,
// hub_name "TIO PROXY" vs proc_id "<hostname>.<pid>") — dev.desc and
// dev.proc.id are different questions.
const DefaultName = "TIO PROXY"

var (
	// ErrInvalidSensor means the destination index named by an outbound
	// packet's routing stack is ≥ n_sensors (spec.md §4.5 "Outbound
	// dispatch"). The caller drops the packet and logs it; RPC requests to
	// an invalid sensor simply time out client-side, no synthetic error.
	ErrInvalidSensor = errors.New("hub: destination sensor index out of range")
	// ErrRoutingFull means an inbound packet's origin index could not be
	// pushed because the stack was already at maximum depth.
	ErrRoutingFull = errors.New("hub: routing stack at maximum depth")
	// ErrLocalDispatch means the packet addresses the hub itself (empty
	// routing stack in hub mode) and must go to a hub-local RPC handler,
	// not to any sensor.
	ErrLocalDispatch = errors.New("hub: packet addresses the hub itself")
)

// Router holds the static hub identity exposed through dev.desc/dev.proc.id
// and the sensor count used for bounds checks and dev.ports.
type Router struct {
	Mode      Mode
	Name      string
	ID        string
	NumSensor int
}

// New builds a Router. mode is ModeDirect when nSensors == 1 and hub mode
// was not explicitly requested.
func New(mode Mode, name, id string, nSensors int) *Router {
	return &Router{Mode: mode, Name: name, ID: id, NumSensor: nSensors}
}

// RouteOutbound determines which sensor index an outbound (client→sensor)
// packet targets and returns the routing stack to forward with, its top
// hop peeled off and routing_size decremented (spec.md §4.5).
//
// In direct mode the destination is always sensor 0 and routing is
// untouched. In hub mode, an empty stack means the packet addresses the
// hub itself (ErrLocalDispatch); the caller should route it to
// HandleLocalRPC instead of any sensor.
func (r *Router) RouteOutbound(routing []byte) (sensorIndex int, rest []byte, err error) {
	if r.Mode == ModeDirect {
		return 0, routing, nil
	}
	hop, rest, ok := protocol.PopHop(routing)
	if !ok {
		return 0, nil, ErrLocalDispatch
	}
	if int(hop) >= r.NumSensor {
		return 0, nil, ErrInvalidSensor
	}
	return int(hop), rest, nil
}

// RouteInbound pushes a sensor's own index onto an inbound (sensor→client)
// packet's routing stack before it is broadcast/remapped to clients
// (spec.md §4.5). In direct mode this is a no-op.
func (r *Router) RouteInbound(sensorIndex int, routing []byte) ([]byte, error) {
	if r.Mode == ModeDirect {
		return routing, nil
	}
	out, err := protocol.PushHop(routing, uint8(sensorIndex))
	if err != nil {
		return nil, ErrRoutingFull
	}
	return out, nil
}

// HandleLocalRPC answers the three built-in hub RPCs (spec.md §4.5):
// dev.desc → hub name, dev.proc.id → hub id, dev.ports → n_sensors. It
// returns ok=false for any other method (or a request by index), which the
// caller answers with a NOTFOUND RPC error.
func (r *Router) HandleLocalRPC(req protocol.RPCRequest) (reply []byte, ok bool) {
	if !req.ByName {
		return nil, false
	}
	switch req.Method {
	case "dev.desc":
		return protocol.EncodeRPCReply(req.ID, []byte(r.Name)), true
	case "dev.proc.id":
		return protocol.EncodeRPCReply(req.ID, []byte(r.ID)), true
	case "dev.ports":
		n := make([]byte, 4)
		binary.BigEndian.PutUint32(n, uint32(r.NumSensor))
		return protocol.EncodeRPCReply(req.ID, n), true
	default:
		return nil, false
	}
}
