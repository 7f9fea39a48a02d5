package transport

import (
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

// fileBackedTransport frames packets over an *os.File — shared by serial
// links and file:// replay sources (spec.md §4.2). Writes to a replay file
// are silently accepted and discarded: the recorded file format (spec.md
// §6) is read-only input to the Proxy, not a two-way sensor link.
type fileBackedTransport struct {
	f        *os.File
	reader   *frameReader
	name     string
	writable bool

	outbox    chan *protocol.Packet
	closeOnce sync.Once
	closed    chan struct{}
}

func newFileBackedTransport(f *os.File, name string) Transport {
	return newFileBackedTransportMode(f, name, true)
}

func newFileBackedTransportMode(f *os.File, name string, writable bool) Transport {
	t := &fileBackedTransport{
		f:        f,
		reader:   newFrameReader(f),
		name:     name,
		writable: writable,
		outbox:   make(chan *protocol.Packet, sendQueueDepth),
		closed:   make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *fileBackedTransport) writeLoop() {
	for p := range t.outbox {
		if !t.writable {
			continue
		}
		if err := writePacket(t.f, p); err != nil {
			t.writable = false
		}
	}
}

func (t *fileBackedTransport) Recv() (*protocol.Packet, error) {
	p, err := t.reader.readPacket()
	if err == nil {
		return p, nil
	}
	if err == ErrProtocol {
		return nil, ErrProtocol
	}
	if err == io.EOF {
		return nil, ErrClosed
	}
	return nil, err
}

func (t *fileBackedTransport) Send(p *protocol.Packet) error {
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

func (t *fileBackedTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.outbox)
	})
	return t.f.Close()
}

func (t *fileBackedTransport) RemoteAddr() string {
	return t.name
}

// OpenFile opens a replay source (spec.md §4.2, §6): a concatenation of raw
// on-wire packets read back in arrival order. It accepts but discards
// writes, matching the dump/replay tools' one-directional use of the format.
func OpenFile(u *url.URL) (Transport, error) {
	path := u.Opaque
	if path == "" {
		path = u.Path
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newFileBackedTransportMode(f, path, false), nil
}
