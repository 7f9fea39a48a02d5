package proxy

import (
	"github.com/twinleaf/tio-proxy/internal/protocol"
	"github.com/twinleaf/tio-proxy/internal/transport"
)

// sensorInbound is a packet (or terminal error) read from one sensor's
// transport, tagged with its hub index (always 0 in direct mode).
type sensorInbound struct {
	index int
	pkt   *protocol.Packet
	err   error
}

// runSensorReader pumps Recv() into ch until the transport closes or
// errors fatally. A protocol error (malformed frame) is reported but the
// reader keeps going — spec.md §7: "log and continue; do not disconnect
// an otherwise-healthy serial sensor".
func runSensorReader(index int, t transport.Transport, ch chan<- sensorInbound, done <-chan struct{}) {
	for {
		pkt, err := t.Recv()
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			ch <- sensorInbound{index: index, err: err}
			if err == transport.ErrProtocol {
				continue
			}
			return
		}
		ch <- sensorInbound{index: index, pkt: pkt}
	}
}
