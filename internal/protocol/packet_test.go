package protocol

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p, err := New(StreamKind(0), []byte{0x00, 0x01, 0x02}, []byte{5, 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wire, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Header.Type != p.Header.Type {
		t.Errorf("type mismatch: got %v want %v", got.Header.Type, p.Header.Type)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("payload mismatch: got %v want %v", got.Payload, p.Payload)
	}
	if !bytes.Equal(got.Routing, p.Routing) {
		t.Errorf("routing mismatch: got %v want %v", got.Routing, p.Routing)
	}
}

func TestPacketRejectsOversizeRouting(t *testing.T) {
	routing := make([]byte, MaxRoutingDepth+1)
	if _, err := New(KindHeartbeat, nil, routing); err != ErrOversizeRouting {
		t.Errorf("expected ErrOversizeRouting, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0}); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestStreamKindRoundTrip(t *testing.T) {
	k := StreamKind(3)
	if !k.IsStreamData() {
		t.Fatal("expected stream data kind")
	}
	if k.StreamIndex() != 3 {
		t.Errorf("expected stream index 3, got %d", k.StreamIndex())
	}
}

func TestPushPopHop(t *testing.T) {
	routing := []byte{1, 2}
	pushed, err := PushHop(routing, 7)
	if err != nil {
		t.Fatalf("PushHop: %v", err)
	}
	if !bytes.Equal(pushed, []byte{1, 2, 7}) {
		t.Errorf("unexpected pushed routing: %v", pushed)
	}

	hop, rest, ok := PopHop(pushed)
	if !ok || hop != 7 || !bytes.Equal(rest, routing) {
		t.Errorf("PopHop mismatch: hop=%d rest=%v ok=%v", hop, rest, ok)
	}
}

func TestPushHopRejectsOverflow(t *testing.T) {
	routing := make([]byte, MaxRoutingDepth)
	if _, err := PushHop(routing, 1); err != ErrRoutingFull {
		t.Errorf("expected ErrRoutingFull, got %v", err)
	}
}

func TestRPCRequestByIndexRoundTrip(t *testing.T) {
	req := RPCRequest{ID: 0x1234, MethodIdx: 42, Args: []byte{1, 2, 3}}
	payload, err := EncodeRPCRequest(req)
	if err != nil {
		t.Fatalf("EncodeRPCRequest: %v", err)
	}

	got, err := DecodeRPCRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRPCRequest: %v", err)
	}
	if got.ID != req.ID || got.ByName || got.MethodIdx != req.MethodIdx || !bytes.Equal(got.Args, req.Args) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestRPCRequestByNameRoundTrip(t *testing.T) {
	req := RPCRequest{ID: 1, ByName: true, Method: "dev.desc", Args: nil}
	payload, err := EncodeRPCRequest(req)
	if err != nil {
		t.Fatalf("EncodeRPCRequest: %v", err)
	}

	got, err := DecodeRPCRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRPCRequest: %v", err)
	}
	if !got.ByName || got.Method != "dev.desc" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestRewriteRequestID(t *testing.T) {
	req := RPCRequest{ID: 0x0001, ByName: true, Method: "ping"}
	payload, _ := EncodeRPCRequest(req)

	rewritten, err := RewriteRequestID(payload, 0x0000)
	if err != nil {
		t.Fatalf("RewriteRequestID: %v", err)
	}

	got, err := DecodeRPCRequest(rewritten)
	if err != nil {
		t.Fatalf("DecodeRPCRequest: %v", err)
	}
	if got.ID != 0x0000 || got.Method != "ping" {
		t.Errorf("rewrite did not preserve method: %+v", got)
	}
}

func TestEncodeRPCError(t *testing.T) {
	payload := EncodeRPCError(0x0042, RPCErrorTimeout)
	id, err := RPCReplyID(payload)
	if err != nil {
		t.Fatalf("RPCReplyID: %v", err)
	}
	if id != 0x0042 {
		t.Errorf("expected req id 0x0042, got 0x%04x", id)
	}
}
