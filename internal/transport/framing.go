package transport

import (
	"bufio"
	"io"

	"github.com/twinleaf/tio-proxy/internal/protocol"
	"github.com/twinleaf/tio-proxy/pkg/pool"
)

// frameReader decodes the native wire framing (spec.md §3) off of any
// io.Reader: header, then payload, then routing stack.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// headerBufPool recycles the fixed-size header scratch buffer across every
// readPacket call on every transport. The buffer never escapes readPacket:
// its bytes are fully decoded into Header's scalar fields before the
// buffer goes back to the pool, so reuse is safe despite packets otherwise
// flowing across goroutines.
var headerBufPool = pool.NewLitePool(func() *[]byte {
	b := make([]byte, protocol.HeaderSize)
	return &b
})

// readPacket blocks until one full frame is available, EOF, or a framing
// error. A framing error is recoverable per spec.md §4.2: the caller may
// keep calling readPacket on the same stream.
func (fr *frameReader) readPacket() (*protocol.Packet, error) {
	hdrBuf := headerBufPool.Get()
	defer headerBufPool.Put(hdrBuf)

	if _, err := io.ReadFull(fr.r, *hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := protocol.DecodeHeader(*hdrBuf)
	if err != nil {
		return nil, ErrProtocol
	}

	routingSize := hdr.RoutingSize()
	if routingSize > protocol.MaxRoutingDepth {
		return nil, ErrProtocol
	}
	if int(hdr.PayloadSize) > protocol.MaxPayloadSize {
		return nil, ErrProtocol
	}

	body := make([]byte, int(hdr.PayloadSize)+routingSize)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}

	return &protocol.Packet{
		Header:  hdr,
		Payload: body[:hdr.PayloadSize],
		Routing: body[hdr.PayloadSize:],
	}, nil
}

// writePacket writes one frame to w in native wire form.
func writePacket(w io.Writer, p *protocol.Packet) error {
	wire, err := p.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}
