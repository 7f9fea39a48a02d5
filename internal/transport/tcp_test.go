package transport

import (
	"net"
	"testing"
	"time"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

func TestTCPTransportSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverT := NewTCP(server)
	clientT := NewTCP(client)
	defer serverT.Close()
	defer clientT.Close()

	p, err := protocol.New(protocol.StreamKind(0), []byte{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := serverT.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := clientT.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Header.Type != p.Header.Type {
		t.Errorf("type mismatch: got %v want %v", got.Header.Type, p.Header.Type)
	}
}

func TestTCPTransportSendWouldBlock(t *testing.T) {
	// net.Pipe is unbuffered and synchronous, so never reading from the
	// peer guarantees the outbox channel (and the pipe's single write
	// slot) fill up.
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverT := NewTCP(server)
	defer serverT.Close()

	p, _ := protocol.New(protocol.KindHeartbeat, nil, nil)

	var lastErr error
	for i := 0; i < sendQueueDepth+10; i++ {
		lastErr = serverT.Send(p)
		if lastErr == ErrWouldBlock {
			break
		}
	}
	if lastErr != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock once outbox fills, got %v", lastErr)
	}
}

func TestTCPTransportRecvClosedOnPeerClose(t *testing.T) {
	server, client := net.Pipe()
	clientT := NewTCP(client)
	defer clientT.Close()

	_ = server.Close()

	time.Sleep(10 * time.Millisecond)
	if _, err := clientT.Recv(); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
