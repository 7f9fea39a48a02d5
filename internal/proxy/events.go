// Diagnostic events factor the direct logmsg/logmsgverbose call sites of
// the source into typed values published on an eventbus.EventBus, with
// the logger as one subscriber (spec.md §4.9, §9).
package proxy

import "github.com/twinleaf/tio-proxy/internal/descriptor"

// DiagnosticEvent is the common type published on the Proxy's diagnostics
// bus. Each concrete event below corresponds to one class of log line the
// source emits inline.
type DiagnosticEvent interface {
	diagnosticEvent()
}

// AcceptEvent fires when a new client connection is admitted.
type AcceptEvent struct {
	Client     descriptor.Handle
	RemoteAddr string
	WebSocket  bool
}

// DisconnectEvent fires when a client or sensor descriptor is torn down.
type DisconnectEvent struct {
	Handle descriptor.Handle
	Role   descriptor.Role
	Reason string
}

// RemapEvent fires on RPC remap allocation and release.
type RemapEvent struct {
	ProxyID  uint16
	Client   descriptor.Handle
	Freed    bool
}

// ReconnectEvent fires on sensor reconnect attempts and outcomes.
type ReconnectEvent struct {
	SensorIndex int
	OriginURL   string
	Succeeded   bool
}

// TimeoutEvent fires when an RPC remap record ages out unanswered.
type TimeoutEvent struct {
	Client   descriptor.Handle
	ProxyID  uint16
}

// DropEvent fires whenever a packet is dropped rather than forwarded:
// invalid hub destination, routing stack overflow, a full send queue, a
// sensor framing error, or a disconnected-sensor write.
type DropEvent struct {
	Reason string
}

func (AcceptEvent) diagnosticEvent()     {}
func (DisconnectEvent) diagnosticEvent() {}
func (RemapEvent) diagnosticEvent()      {}
func (ReconnectEvent) diagnosticEvent()  {}
func (TimeoutEvent) diagnosticEvent()    {}
func (DropEvent) diagnosticEvent()       {}
