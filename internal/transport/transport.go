// Package transport implements the Transport Adapter contract from
// spec.md §4.2: a bidirectional packet endpoint that the dispatcher drives
// without blocking on anything other than its own dedicated read loop.
//
// The original protocol is specified around a single-threaded readiness
// loop (ppoll over raw file descriptors). This rewrite keeps the same
// non-blocking send for the dispatcher — Send never blocks longer than it
// takes to enqueue — by giving every Transport a writer goroutine that
// drains a buffered send queue instead of readiness bits. Recv blocks on
// the link and is called from a dedicated reader goroutine per endpoint. The dispatcher (internal/proxy) is still the single
// owner of all protocol state; Transport only owns wire I/O.
package transport

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

var (
	// ErrWouldBlock mirrors the source's would-block send outcome: the
	// packet was not accepted because the internal write buffer is full.
	ErrWouldBlock = errors.New("transport: would block")
	// ErrClosed is returned by Recv after the transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrProtocol marks a recoverable framing error (spec.md §4.2): the
	// caller MUST NOT tear down the transport for this alone.
	ErrProtocol = errors.New("transport: protocol error")
)

// Transport is a bidirectional packet endpoint: a sensor link, or a client
// connection once any handshake (e.g. WebSocket upgrade) has completed.
type Transport interface {
	// Recv blocks until the next decoded packet arrives, or returns
	// ErrClosed (transport closed), ErrProtocol (malformed frame; the
	// caller should log and keep reading), or another read error.
	Recv() (*protocol.Packet, error)

	// Send enqueues a packet for transmission. It returns ErrWouldBlock if
	// the internal buffer is full — the caller's backpressure policy
	// (spec.md §5) decides what to do (typically: disconnect the client).
	Send(p *protocol.Packet) error

	// Close stops accepting packets and releases the underlying handle at
	// once; packets still in the send queue are not written. Close is
	// idempotent.
	Close() error

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// Scheme identifies the URL scheme a sensor or listener was opened with.
type Scheme string

const (
	SchemeTCP    Scheme = "tcp"
	SchemeSerial Scheme = "serial"
	SchemeWS     Scheme = "ws"
	SchemeFile   Scheme = "file"
)

// ParseScheme extracts and validates the scheme component of a transport URL
// (spec.md §4.2: tcp://, serial://, ws://, file://).
func ParseScheme(rawURL string) (Scheme, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("transport: invalid URL %q: %w", rawURL, err)
	}
	switch Scheme(u.Scheme) {
	case SchemeTCP, SchemeSerial, SchemeWS, SchemeFile:
		return Scheme(u.Scheme), u, nil
	default:
		return "", nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

// Dial opens a sensor-side Transport for the given URL (spec.md §4.2
// open()). Listener-side (accept) transports are constructed directly by
// internal/proxy from an accepted net.Conn instead, since "opening" a
// listener and "opening" a sensor link have different Go-idiomatic shapes
// (net.Listen vs net.Dial).
func Dial(rawURL string) (Transport, error) {
	scheme, u, err := ParseScheme(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeTCP:
		return DialTCP(u)
	case SchemeSerial:
		return DialSerial(u)
	case SchemeFile:
		return OpenFile(u)
	case SchemeWS:
		return DialWS(u)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", scheme)
	}
}
