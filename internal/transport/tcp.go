package transport

import (
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

// sendQueueDepth bounds how many encoded packets a Transport will buffer
// before Send starts returning ErrWouldBlock. Matches the source's policy
// that write buffer overflow is client-fatal, not a reason to block the
// single-threaded loop (spec.md §5).
const sendQueueDepth = 256

// tcpTransport frames packets over a plain net.Conn using the native
// wire format (spec.md §3). A dedicated goroutine owns the socket write
// side so Send never blocks the caller past an enqueue.
type tcpTransport struct {
	conn   net.Conn
	reader *frameReader

	outbox    chan *protocol.Packet
	closeOnce sync.Once
	closed    chan struct{}
	writeErr  chan error
}

// DialTCP opens a TCP sensor connection (spec.md §4.2, tcp://host[:port]).
func DialTCP(u *url.URL) (Transport, error) {
	conn, err := net.DialTimeout("tcp", u.Host, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an already-established connection (e.g. one accepted by a
// listener) in the native-framing Transport.
func NewTCP(conn net.Conn) Transport {
	t := &tcpTransport{
		conn:     conn,
		reader:   newFrameReader(conn),
		outbox:   make(chan *protocol.Packet, sendQueueDepth),
		closed:   make(chan struct{}),
		writeErr: make(chan error, 1),
	}
	go t.writeLoop()
	return t
}

func (t *tcpTransport) writeLoop() {
	var failed bool
	for p := range t.outbox {
		if failed {
			continue // drain without writing so Send never wedges
		}
		if err := writePacket(t.conn, p); err != nil {
			select {
			case t.writeErr <- err:
			default:
			}
			failed = true
		}
	}
	// Flush drained (or a write failed): the connection's job is done.
	_ = t.conn.Close()
}

func (t *tcpTransport) Recv() (*protocol.Packet, error) {
	select {
	case err := <-t.writeErr:
		return nil, err
	default:
	}

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

func (t *tcpTransport) Send(p *protocol.Packet) error {
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

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.outbox)
	})
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
