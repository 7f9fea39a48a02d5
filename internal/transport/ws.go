package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

// WebSocket opcodes this transport understands (RFC 6455 §5.2). The Proxy
// only ever emits binary frames; close/ping/pong are handled just enough to
// keep the connection well-behaved.
const (
	wsOpContinuation = 0x0
	wsOpText         = 0x1
	wsOpBinary       = 0x2
	wsOpClose        = 0x8
	wsOpPing         = 0x9
	wsOpPong         = 0xA
)

// wsTransport carries native-framed packets (spec.md §3) each inside one
// WebSocket binary message (spec.md §4.6): the upgrade only changes the
// outer envelope, not the protocol the Proxy and its peers speak.
type wsTransport struct {
	conn     net.Conn
	isClient bool // true if this side must mask outgoing frames (RFC 6455 §5.1)

	outbox    chan *protocol.Packet
	closeOnce sync.Once
	closed    chan struct{}
	writeErr  chan error
}

// NewWSServer wraps a connection whose HTTP Upgrade handshake has already
// completed server-side (acceptWebSocket in cmd/tio-proxy calls this once
// the 101 response has been written).
func NewWSServer(conn net.Conn) Transport {
	return newWS(conn, false)
}

// DialWS opens a sensor link over a WebSocket, acting as the client side
// of the handshake. Full client-side HTTP upgrade is out of scope for the
// sensor-facing direction in spec.md (only accept-side upgrade is
// specified); this performs the minimal RFC 6455 client handshake needed
// to interoperate with a WS-speaking sensor bridge.
func DialWS(u *url.URL) (Transport, error) {
	host := u.Host
	conn, err := net.Dial("tcp", host)
	if err != nil {
		return nil, err
	}
	if err := clientHandshake(conn, u); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newWS(conn, true), nil
}

func newWS(conn net.Conn, isClient bool) Transport {
	t := &wsTransport{
		conn:     conn,
		isClient: isClient,
		outbox:   make(chan *protocol.Packet, sendQueueDepth),
		closed:   make(chan struct{}),
		writeErr: make(chan error, 1),
	}
	go t.writeLoop()
	return t
}

func (t *wsTransport) writeLoop() {
	for p := range t.outbox {
		wire, err := p.Encode()
		if err == nil {
			err = writeWSFrame(t.conn, wsOpBinary, wire, t.isClient)
		}
		if err != nil {
			select {
			case t.writeErr <- err:
			default:
			}
		}
	}
	_ = t.conn.Close()
}

func (t *wsTransport) Recv() (*protocol.Packet, error) {
	select {
	case err := <-t.writeErr:
		return nil, err
	default:
	}

	for {
		op, payload, err := readWSFrame(t.conn)
		if err != nil {
			if err == io.EOF {
				return nil, ErrClosed
			}
			return nil, err
		}
		switch op {
		case wsOpBinary, wsOpContinuation:
			p, err := protocol.Decode(payload)
			if err != nil {
				return nil, ErrProtocol
			}
			return p, nil
		case wsOpClose:
			return nil, ErrClosed
		case wsOpPing:
			_ = writeWSFrame(t.conn, wsOpPong, payload, t.isClient)
		case wsOpPong:
			// no-op: liveness only
		default:
			return nil, ErrProtocol
		}
	}
}

func (t *wsTransport) Send(p *protocol.Packet) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.outbox <- p:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.outbox)
	})
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// writeWSFrame writes one unfragmented RFC 6455 frame. masked must be true
// for client-to-server frames and false for server-to-client frames.
func writeWSFrame(w io.Writer, opcode byte, payload []byte, masked bool) error {
	var header []byte
	finOp := byte(0x80) | opcode

	switch {
	case len(payload) < 126:
		header = []byte{finOp, byte(len(payload))}
	case len(payload) <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = finOp
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))
	default:
		header = make([]byte, 10)
		header[0] = finOp
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(len(payload)))
	}

	if masked {
		header[1] |= 0x80
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	if masked {
		var maskKey [4]byte
		// A fixed, non-cryptographic mask is sufficient here: the mask
		// exists to defeat proxy cache poisoning in browser contexts, not
		// to provide confidentiality, and this client is not a browser.
		maskKey = [4]byte{0x12, 0x34, 0x56, 0x78}
		if _, err := w.Write(maskKey[:]); err != nil {
			return err
		}
		masked := make([]byte, len(payload))
		for i, b := range payload {
			masked[i] = b ^ maskKey[i%4]
		}
		_, err := w.Write(masked)
		return err
	}

	_, err := w.Write(payload)
	return err
}

func readWSFrame(r io.Reader) (opcode byte, payload []byte, err error) {
	hdr := make([]byte, 2)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	opcode = hdr[0] & 0x0F
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext)
	}

	if length > protocol.MaxPayloadSize+protocol.MaxRoutingDepth+protocol.HeaderSize {
		return 0, nil, fmt.Errorf("transport: oversize websocket frame (%d bytes)", length)
	}

	var maskKey [4]byte
	if masked {
		if _, err = io.ReadFull(r, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return opcode, payload, nil
}
