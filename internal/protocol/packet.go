package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed on-wire header length (spec.md §3).
	HeaderSize = 4

	// MaxPayloadSize bounds a single packet's payload; the field is a u16
	// so this is also the protocol's hard ceiling.
	MaxPayloadSize = 65535

	// MaxRoutingDepth is the protocol's hop-stack limit (spec.md §3, §9).
	MaxRoutingDepth = 8

	// routingSizeMask isolates the routing-stack length packed into the
	// low nibble of the header's second byte; the high nibble is reserved
	// for future header flags and is currently always zero.
	routingSizeMask = 0x0F
)

var (
	ErrOversizePayload = errors.New("protocol: payload exceeds maximum size")
	ErrOversizeRouting  = errors.New("protocol: routing stack exceeds maximum depth")
	ErrTruncated        = errors.New("protocol: truncated packet")
)

// Header is the fixed 4-byte prefix of every packet (spec.md §3).
type Header struct {
	Type                Kind
	RoutingSizeAndFlags  uint8
	PayloadSize          uint16
}

// RoutingSize extracts the routing-stack length from the packed header byte.
func (h Header) RoutingSize() int {
	return int(h.RoutingSizeAndFlags & routingSizeMask)
}

// WithRoutingSize returns a copy of h with its routing-size nibble replaced.
func (h Header) WithRoutingSize(n int) Header {
	h.RoutingSizeAndFlags = (h.RoutingSizeAndFlags &^ routingSizeMask) | uint8(n&routingSizeMask)
	return h
}

// Encode writes the header's 4 bytes to b, which must be at least HeaderSize long.
func (h Header) Encode(b []byte) {
	b[0] = byte(h.Type)
	b[1] = h.RoutingSizeAndFlags
	binary.BigEndian.PutUint16(b[2:4], h.PayloadSize)
}

// DecodeHeader parses the 4-byte header prefix of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		Type:                Kind(b[0]),
		RoutingSizeAndFlags: b[1],
		PayloadSize:         binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Packet is a fully decoded frame: header, payload, and routing stack.
// Routing is ordered bottom-of-stack-first, as on the wire (spec.md §3).
type Packet struct {
	Header  Header
	Payload []byte
	Routing []byte
}

// TotalSize returns the number of bytes Packet occupies on the wire.
func (p *Packet) TotalSize() int {
	return HeaderSize + len(p.Payload) + len(p.Routing)
}

// Validate enforces the size ceilings a reader must reject packets for
// (spec.md §4.1): oversize payload or routing depth beyond the protocol max.
func (p *Packet) Validate() error {
	if len(p.Payload) > MaxPayloadSize {
		return ErrOversizePayload
	}
	if len(p.Routing) > MaxRoutingDepth {
		return ErrOversizeRouting
	}
	return nil
}

// New builds a Packet and stamps its header's payload/routing-size fields
// from the actual slice lengths, so callers never hand-compute them.
func New(kind Kind, payload, routing []byte) (*Packet, error) {
	p := &Packet{
		Header: Header{
			Type:        kind,
			PayloadSize: uint16(len(payload)),
		},
		Payload: payload,
		Routing: routing,
	}
	p.Header = p.Header.WithRoutingSize(len(routing))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serialises the packet to its wire form: header, payload, routing.
func (p *Packet) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, p.TotalSize())
	p.Header.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], p.Payload)
	copy(buf[HeaderSize+len(p.Payload):], p.Routing)
	return buf, nil
}

// Decode parses a Packet out of a complete frame (header+payload+routing)
// already present in b. It does not consume from a stream; see
// internal/transport for streaming readers.
func Decode(b []byte) (*Packet, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	routingSize := hdr.RoutingSize()
	if routingSize > MaxRoutingDepth {
		return nil, ErrOversizeRouting
	}
	need := HeaderSize + int(hdr.PayloadSize) + routingSize
	if len(b) < need {
		return nil, ErrTruncated
	}

	payload := make([]byte, hdr.PayloadSize)
	copy(payload, b[HeaderSize:HeaderSize+int(hdr.PayloadSize)])

	routing := make([]byte, routingSize)
	copy(routing, b[HeaderSize+int(hdr.PayloadSize):need])

	return &Packet{Header: hdr, Payload: payload, Routing: routing}, nil
}

// Clone returns a deep copy of the packet, used when a packet must be
// fanned out to several clients that each mutate their own copy's routing.
func (p *Packet) Clone() *Packet {
	cp := &Packet{Header: p.Header}
	if p.Payload != nil {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	if p.Routing != nil {
		cp.Routing = append([]byte(nil), p.Routing...)
	}
	return cp
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s payload=%dB routing=%d", p.Header.Type, len(p.Payload), len(p.Routing))
}
