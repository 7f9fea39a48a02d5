// Package rpcremap implements the Proxy's RPC-id remap table (spec.md
// §4.4): a fixed-capacity pool of records that translate a proxy-assigned
// 16-bit request id back to the client that sent it, so replies can be
// routed to the right caller even though multiple clients share one
// sensor's id space.
//
// The source organises records as three intrusive doubly-linked lists
// (free / per-client / orphan) plus a FIFO timeout queue that happens to
// stay ordered only because send_time is monotonic in a single-threaded
// loop. spec.md §9 calls that FIFO property "accidental, not semantic"
// and offers a min-heap keyed by send_time as a direct, more robust
// replacement — this package takes that option, using container/heap.
// The free/per-client/orphan lists are rewritten as plain slices/maps
// over a slab of records rather than hand-rolled prev/next pointers,
// since Go's slice and map types already give O(1) append/remove without
// the bookkeeping intrusive links exist to provide in C.
package rpcremap

import (
	"container/heap"
	"errors"
	"time"
)

// Unassigned is the reserved proxy id meaning "no record" (spec.md §4.4).
const Unassigned uint16 = 0xFFFF

// Error codes synthesised back to the client in place of a sensor reply
// (spec.md §4.4, §9 error codes).
const (
	ErrCodeBusy    uint16 = 0xFFF2
	ErrCodeTimeout uint16 = 0xFFF1
)

var (
	// ErrCapacityExhausted is returned by Allocate when the free list is
	// empty; the caller must synthesise a BUSY error to the client and
	// not forward the request (spec.md §4.4).
	ErrCapacityExhausted = errors.New("rpcremap: capacity exhausted")
	// ErrNotFound is returned when a proxy id does not name a live record.
	ErrNotFound = errors.New("rpcremap: record not found")
)

// ClientID identifies the owning client descriptor. The rpcremap package
// is deliberately agnostic to descriptor.Handle's concrete type to avoid
// an import cycle; internal/proxy passes descriptor.Handle values through
// as ClientID.
type ClientID uint64

// Record is one remap slot (spec.md §4.3/§4.4): `{proxy_id, client_id,
// original_id, routing_snapshot, send_time}`.
type Record struct {
	ProxyID   uint16
	Client    ClientID
	Original  uint16 // the client's own request id, restored on reply
	Routing   []byte // routing stack snapshot at request time, for the reply
	SendTime  time.Time
	orphaned  bool
	heapIndex int
}

// Table is the fixed-capacity remap pool. Capacity C is fixed at
// construction (spec.md §4.4); record index IS the proxy-assigned id, so
// remapping a reply back to a record is an O(1) slice index.
type Table struct {
	records    []Record
	live       []bool
	free       []uint16            // stack of free indices
	perClient  map[ClientID][]uint16
	timeoutQ   timeoutHeap
	timeout    time.Duration
}

// New creates a remap table with the given fixed capacity and timeout
// duration (5s in the source, spec.md §4.3 step 4).
func New(capacity int, timeout time.Duration) *Table {
	t := &Table{
		records:   make([]Record, capacity),
		live:      make([]bool, capacity),
		free:      make([]uint16, capacity),
		perClient: make(map[ClientID][]uint16),
		timeout:   timeout,
	}
	for i := 0; i < capacity; i++ {
		t.free[i] = uint16(capacity - 1 - i) // pop from the tail: slot 0 is handed out first, then 1, ...
	}
	heap.Init(&t.timeoutQ)
	return t
}

// Capacity returns C, the fixed remap pool size.
func (t *Table) Capacity() int {
	return len(t.records)
}

// Allocate pops a free record, fills it in, appends it to the client's
// list and to the tail of the timeout queue (spec.md §4.4 steps 1-5). It
// returns ErrCapacityExhausted if the free list is empty — the caller
// must synthesise BUSY, not block.
func (t *Table) Allocate(client ClientID, original uint16, routing []byte, now time.Time) (uint16, error) {
	if len(t.free) == 0 {
		return 0, ErrCapacityExhausted
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	r := &t.records[idx]
	r.ProxyID = idx
	r.Client = client
	r.Original = original
	r.Routing = routing
	r.SendTime = now
	r.orphaned = false
	t.live[idx] = true

	t.perClient[client] = append(t.perClient[client], idx)
	heap.Push(&t.timeoutQ, r)

	return idx, nil
}

// Resolve looks up a live record by proxy id without freeing it, for
// inspecting Client/Original/Routing before deciding whether to free.
func (t *Table) Resolve(proxyID uint16) (*Record, error) {
	if int(proxyID) >= len(t.records) || !t.live[proxyID] {
		return nil, ErrNotFound
	}
	return &t.records[proxyID], nil
}

// Free releases a record back to the free list: unlinks it from its
// per-client or orphan list and from the timeout queue, then returns its
// index to the free stack (spec.md §4.4 steps "on matching reply").
func (t *Table) Free(proxyID uint16) error {
	if int(proxyID) >= len(t.records) || !t.live[proxyID] {
		return ErrNotFound
	}
	r := &t.records[proxyID]

	if !r.orphaned {
		t.unlinkPerClient(r.Client, proxyID)
	}
	if r.heapIndex >= 0 {
		heap.Remove(&t.timeoutQ, r.heapIndex)
	}

	t.live[proxyID] = false
	r.Routing = nil
	t.free = append(t.free, proxyID)
	return nil
}

func (t *Table) unlinkPerClient(c ClientID, proxyID uint16) {
	list := t.perClient[c]
	for i, idx := range list {
		if idx == proxyID {
			list[i] = list[len(list)-1]
			t.perClient[c] = list[:len(list)-1]
			break
		}
	}
	if len(t.perClient[c]) == 0 {
		delete(t.perClient, c)
	}
}

// OrphanClient moves every record belonging to a disconnected client to
// the orphan list, leaving timeout-queue membership intact (spec.md
// §4.4 "on client disconnect"). Late replies matching an orphaned record
// are silently consumed and the record freed by the caller.
func (t *Table) OrphanClient(c ClientID) []uint16 {
	list := t.perClient[c]
	delete(t.perClient, c)
	for _, idx := range list {
		t.records[idx].orphaned = true
	}
	return list
}

// IsOrphan reports whether a live record belongs to a disconnected client.
func (t *Table) IsOrphan(proxyID uint16) bool {
	if int(proxyID) >= len(t.records) || !t.live[proxyID] {
		return false
	}
	return t.records[proxyID].orphaned
}

// SweepTimeouts removes every record older than the configured timeout,
// returning the client/original pairs that need a synthetic TIMEOUT error
// (spec.md §4.3 step 4). Because send_time is monotonic non-decreasing
// within the single-writer dispatcher, the heap's root is always the
// oldest record, so sweeping can stop at the first non-expired head —
// the same short-circuit the source's FIFO queue enabled, preserved here
// as a property of the heap rather than of insertion order.
func (t *Table) SweepTimeouts(now time.Time) []TimedOut {
	var expired []TimedOut
	for t.timeoutQ.Len() > 0 {
		r := t.timeoutQ[0]
		if now.Sub(r.SendTime) < t.timeout {
			break
		}
		proxyID := r.ProxyID
		orphan := r.orphaned
		client := r.Client
		original := r.Original
		routing := r.Routing

		heap.Remove(&t.timeoutQ, r.heapIndex)
		if !orphan {
			t.unlinkPerClient(client, proxyID)
		}
		t.live[proxyID] = false
		t.records[proxyID].Routing = nil
		t.free = append(t.free, proxyID)

		if !orphan {
			expired = append(expired, TimedOut{Client: client, Original: original, Routing: routing})
		}
	}
	return expired
}

// TimedOut describes a record that aged out before any reply arrived and
// whose owning client is still connected, so it needs a synthetic
// RPC-error with code TIMEOUT (spec.md §4.3 step 4). Routing is the
// client's original routing-stack snapshot (spec.md §4.4 record field),
// restored onto the synthetic error so a hub-mode client can still tell
// which sensor it addressed (the original copies this onto the timeout
// error the same way, tio-proxy.c:1036-1038).
type TimedOut struct {
	Client   ClientID
	Original uint16
	Routing  []byte
}

// InFlight reports how many records are currently allocated to client c,
// for diagnostics; the pool's capacity ceiling (spec.md §6 -r) is shared
// across all clients in shared mode, not apportioned per client.
func (t *Table) InFlight(c ClientID) int {
	return len(t.perClient[c])
}

// timeoutHeap is a container/heap.Interface over *Record ordered by
// SendTime, ascending (oldest first).
type timeoutHeap []*Record

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].SendTime.Before(h[j].SendTime) }
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timeoutHeap) Push(x any) {
	r := x.(*Record)
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*h = old[:n-1]
	return r
}
