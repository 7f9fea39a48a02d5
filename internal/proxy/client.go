package proxy

import (
	"github.com/twinleaf/tio-proxy/internal/descriptor"
	"github.com/twinleaf/tio-proxy/internal/protocol"
)

// clientInbound is a packet (or terminal error) read from one client's
// transport, tagged with which client it came from. Every reader
// goroutine (one per client) funnels into the dispatcher's single
// inbound channel, which is the only goroutine that ever touches the
// descriptor table, remap table, or hub router — the Go equivalent of
// the source's single-threaded loop (spec.md §5).
type clientInbound struct {
	handle descriptor.Handle
	pkt    *protocol.Packet
	err    error
}

// runClientReader pumps Recv() into ch until the transport reports any
// error, then sends a final message with err set so the dispatcher
// can tear the client down. It is the only goroutine that calls Recv on
// this client's transport.
func runClientReader(h descriptor.Handle, d *descriptor.Descriptor, ch chan<- clientInbound) {
	for {
		pkt, err := d.Transport.Recv()
		if err != nil {
			ch <- clientInbound{handle: h, err: err}
			return
		}
		ch <- clientInbound{handle: h, pkt: pkt}
	}
}
