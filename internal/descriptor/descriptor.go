// Package descriptor implements the Proxy's unified endpoint table
// (spec.md §4.3): every open sensor, listener, and client, keyed by a
// stable handle instead of array position.
//
// The source keeps a single densely-packed array and compacts the client
// region in place whenever one disconnects, walking each client's remap
// list to fix up back-pointers that referenced the old array index
// (spec.md §9). This rewrite takes the alternative spec.md §9 explicitly
// offers: key every descriptor by a handle that never changes for its
// lifetime, so removal is an O(1) map delete with no back-pointer fixup
// anywhere in the RPC remap table.
package descriptor

import (
	"sync/atomic"

	"github.com/twinleaf/tio-proxy/internal/transport"
)

// Role distinguishes the three kinds of endpoint the table unifies
// (spec.md §3).
type Role uint8

const (
	RoleSensor Role = iota
	RoleListener
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleSensor:
		return "sensor"
	case RoleListener:
		return "listener"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Handle is a stable identifier for a descriptor-table entry, valid for the
// entry's entire lifetime regardless of however many other entries come
// and go around it.
type Handle uint64

var nextHandle atomic.Uint64

func newHandle() Handle {
	return Handle(nextHandle.Add(1))
}

// Descriptor is one entry in the table (spec.md §3).
type Descriptor struct {
	Handle    Handle
	Role      Role
	Transport transport.Transport

	// Sensor-only fields.
	SensorIndex     int    // index 0..n_sensors-1 in hub mode; 0 in direct mode
	OriginURL       string // the URL this sensor was (re)dialed from
	Connected       bool
	ReconnectAt     int64 // unix nanos of next reconnect attempt; 0 = none scheduled
	FirstFailureAt  int64 // unix nanos; used to enforce the reconnect grace deadline

	// Listener-only fields.
	WebSocketPort bool // accept-side flag: clients here need the WS upgrade

	// Client-only fields.
	AwaitingHandshake bool // spec.md §3: "awaiting-handshake" until WS upgrade completes
	Forward           bool // this client holds the single forward-mode slot

	// Shared.
	PendingWritable bool // write buffer has data arm writable-readiness for
}

// Table is the Proxy's single-writer descriptor table. It is not
// synchronised internally: spec.md §5 requires single-writer access from
// the dispatcher goroutine, so Table relies on that invariant rather than
// adding locks the design explicitly says are unnecessary.
type Table struct {
	sensors   []*Descriptor
	listeners map[Handle]*Descriptor
	clients   map[Handle]*Descriptor
}

// New creates an empty descriptor table.
func New() *Table {
	return &Table{
		listeners: make(map[Handle]*Descriptor),
		clients:   make(map[Handle]*Descriptor),
	}
}

// AddSensor registers a new sensor descriptor. Sensor slots are positional
// (spec.md §4.5 hub routing addresses sensors by index), so sensors are
// appended once at startup and never removed — only marked
// connected/disconnected, matching the source's "sensor: created at
// startup, never destroyed" lifecycle (spec.md §3).
func (t *Table) AddSensor(d *Descriptor) Handle {
	d.Handle = newHandle()
	d.Role = RoleSensor
	d.SensorIndex = len(t.sensors)
	t.sensors = append(t.sensors, d)
	return d.Handle
}

// Sensors returns the sensor descriptors in index order.
func (t *Table) Sensors() []*Descriptor {
	return t.sensors
}

// Sensor returns the sensor at the given hub index, or nil if out of range.
func (t *Table) Sensor(index int) *Descriptor {
	if index < 0 || index >= len(t.sensors) {
		return nil
	}
	return t.sensors[index]
}

// AddListener registers a listener descriptor.
func (t *Table) AddListener(d *Descriptor) Handle {
	d.Handle = newHandle()
	d.Role = RoleListener
	t.listeners[d.Handle] = d
	return d.Handle
}

// Listeners returns all listener descriptors.
func (t *Table) Listeners() []*Descriptor {
	out := make([]*Descriptor, 0, len(t.listeners))
	for _, d := range t.listeners {
		out = append(out, d)
	}
	return out
}

// AddClient registers a newly accepted client descriptor.
func (t *Table) AddClient(d *Descriptor) Handle {
	d.Handle = newHandle()
	d.Role = RoleClient
	t.clients[d.Handle] = d
	return d.Handle
}

// Client looks up a client descriptor by handle.
func (t *Table) Client(h Handle) (*Descriptor, bool) {
	d, ok := t.clients[h]
	return d, ok
}

// Clients returns all client descriptors. Order is unspecified — callers
// that need determinism (tests) should sort by Handle.
func (t *Table) Clients() []*Descriptor {
	out := make([]*Descriptor, 0, len(t.clients))
	for _, d := range t.clients {
		out = append(out, d)
	}
	return out
}

// ClientCount reports how many clients are currently connected, for
// admission control against spec.md §6's -c limit.
func (t *Table) ClientCount() int {
	return len(t.clients)
}

// RemoveClient drops a client descriptor. With handle-keyed storage this
// is the map-delete the source's positional compaction pass existed to
// avoid (spec.md §9): no other descriptor's identity changes.
func (t *Table) RemoveClient(h Handle) {
	if d, ok := t.clients[h]; ok {
		if d.Transport != nil {
			_ = d.Transport.Close()
		}
		delete(t.clients, h)
	}
}

// RemoveListener drops a listener descriptor.
func (t *Table) RemoveListener(h Handle) {
	if d, ok := t.listeners[h]; ok {
		if d.Transport != nil {
			_ = d.Transport.Close()
		}
		delete(t.listeners, h)
	}
}
