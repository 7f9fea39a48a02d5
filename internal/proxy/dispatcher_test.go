package proxy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/twinleaf/tio-proxy/internal/config"
	"github.com/twinleaf/tio-proxy/internal/descriptor"
	"github.com/twinleaf/tio-proxy/internal/hub"
	"github.com/twinleaf/tio-proxy/internal/protocol"
	"github.com/twinleaf/tio-proxy/internal/rpcremap"
	"github.com/twinleaf/tio-proxy/internal/transport"
	"github.com/twinleaf/tio-proxy/pkg/eventbus"
)

// fakeTransport is an in-memory Transport: Send appends to outbox, Recv
// pulls from inbox. It mirrors how the teacher fakes its ports interfaces
// in proxy tests.
type fakeTransport struct {
	name   string
	inbox  chan *protocol.Packet
	outbox chan *protocol.Packet
	closed chan struct{}
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:   name,
		inbox:  make(chan *protocol.Packet, 64),
		outbox: make(chan *protocol.Packet, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Recv() (*protocol.Packet, error) {
	select {
	case p := <-f.inbox:
		return p, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	}
}

func (f *fakeTransport) Send(p *protocol.Packet) error {
	select {
	case f.outbox <- p:
		return nil
	default:
		return transport.ErrWouldBlock
	}
}

func (f *fakeTransport) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.name }

func testDispatcher(t *testing.T, cfg *config.Config) *Dispatcher {
	t.Helper()
	router := hub.New(hub.ModeDirect, "test", "test.1", 1)
	remap := rpcremap.New(cfg.Client.MaxInFlight, rpcTimeout)
	events := eventbus.New[DiagnosticEvent]()
	log := slog.New(slog.DiscardHandler)
	return New(cfg, router, remap, events, log)
}

func directModeConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sensors = []string{"file:///dev/null"}
	cfg.Client.MaxClients = 8
	cfg.Client.MaxInFlight = 4
	return cfg
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFanOutToMultipleClients(t *testing.T) {
	cfg := directModeConfig()
	d := testDispatcher(t, cfg)

	sensorT := newFakeTransport("sensor")
	d.Table().AddSensor(&descriptor.Descriptor{})
	s := d.Table().Sensor(0)
	s.Transport = sensorT
	s.Connected = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	c1 := newFakeTransport("c1")
	c2 := newFakeTransport("c2")
	if !d.AddClient(c1, "c1", false) {
		t.Fatalf("client 1 should be admitted")
	}
	if !d.AddClient(c2, "c2", false) {
		t.Fatalf("client 2 should be admitted")
	}

	for i := 0; i < 10; i++ {
		pkt, _ := protocol.New(protocol.StreamKind(0), []byte{byte(i)}, nil)
		sensorT.inbox <- pkt
	}

	waitFor(t, func() bool { return len(c1.outbox) == 10 })
	waitFor(t, func() bool { return len(c2.outbox) == 10 })

	for i := 0; i < 10; i++ {
		p1 := <-c1.outbox
		p2 := <-c2.outbox
		if p1.Payload[0] != byte(i) || p2.Payload[0] != byte(i) {
			t.Fatalf("out-of-order delivery at index %d", i)
		}
	}
}

func TestRPCRemapRoundTrip(t *testing.T) {
	cfg := directModeConfig()
	d := testDispatcher(t, cfg)

	sensorT := newFakeTransport("sensor")
	d.Table().AddSensor(&descriptor.Descriptor{})
	s := d.Table().Sensor(0)
	s.Transport = sensorT
	s.Connected = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	client := newFakeTransport("client")
	d.AddClient(client, "client", false)

	reqPayload, _ := protocol.EncodeRPCRequest(protocol.RPCRequest{ID: 0x0001, ByName: true, Method: "ping"})
	reqPkt, _ := protocol.New(protocol.KindRPCReq, reqPayload, nil)
	client.inbox <- reqPkt

	var forwarded *protocol.Packet
	waitFor(t, func() bool {
		select {
		case forwarded = <-sensorT.outbox:
			return true
		default:
			return false
		}
	})

	fwdReq, err := protocol.DecodeRPCRequest(forwarded.Payload)
	if err != nil {
		t.Fatalf("DecodeRPCRequest: %v", err)
	}
	if fwdReq.ID != 0 {
		t.Errorf("expected proxy id 0 (first free slot), got %d", fwdReq.ID)
	}

	replyPayload := protocol.EncodeRPCReply(fwdReq.ID, []byte("pong"))
	replyPkt, _ := protocol.New(protocol.KindRPCReply, replyPayload, nil)
	sensorT.inbox <- replyPkt

	var out *protocol.Packet
	waitFor(t, func() bool {
		select {
		case out = <-client.outbox:
			return true
		default:
			return false
		}
	})

	gotID, _ := protocol.RPCReplyID(out.Payload)
	if gotID != 0x0001 {
		t.Errorf("expected reply id rewritten to 0x0001, got %#x", gotID)
	}
	if string(out.Payload[2:]) != "pong" {
		t.Errorf("expected payload 'pong', got %q", out.Payload[2:])
	}
}

func TestRPCCapacityExhaustionReturnsBusy(t *testing.T) {
	cfg := directModeConfig()
	cfg.Client.MaxInFlight = 1
	d := testDispatcher(t, cfg)

	sensorT := newFakeTransport("sensor")
	d.Table().AddSensor(&descriptor.Descriptor{})
	s := d.Table().Sensor(0)
	s.Transport = sensorT
	s.Connected = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	client := newFakeTransport("client")
	d.AddClient(client, "client", false)

	for i := 0; i < 2; i++ {
		reqPayload, _ := protocol.EncodeRPCRequest(protocol.RPCRequest{ID: uint16(i), ByName: true, Method: "ping"})
		reqPkt, _ := protocol.New(protocol.KindRPCReq, reqPayload, nil)
		client.inbox <- reqPkt
	}

	waitFor(t, func() bool { return len(client.outbox) >= 1 })
	time.Sleep(20 * time.Millisecond) // give the dispatcher time to process both requests

	busy := <-client.outbox
	if busy.Header.Type != protocol.KindRPCError {
		t.Fatalf("expected the second request to be BUSY-rejected, got kind %v", busy.Header.Type)
	}
	reqID, code, err := decodeRPCError(busy.Payload)
	if err != nil {
		t.Fatalf("decodeRPCError: %v", err)
	}
	if reqID != 1 || code != protocol.RPCErrorBusy {
		t.Errorf("expected BUSY for request id 1, got id=%d code=%#x", reqID, code)
	}
}

func decodeRPCError(payload []byte) (reqID, code uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, protocol.ErrRPCTruncated
	}
	reqID, err = protocol.RPCReplyID(payload)
	if err != nil {
		return 0, 0, err
	}
	code = uint16(payload[2])<<8 | uint16(payload[3])
	return reqID, code, nil
}
