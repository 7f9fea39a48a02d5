package hub

import (
	"encoding/binary"
	"testing"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

func TestDirectModeNeverRewritesRouting(t *testing.T) {
	r := New(ModeDirect, "direct", "direct.1", 1)
	idx, rest, err := r.RouteOutbound([]byte{7, 9})
	if err != nil {
		t.Fatalf("RouteOutbound: %v", err)
	}
	if idx != 0 {
		t.Errorf("expected sensor index 0 in direct mode, got %d", idx)
	}
	if len(rest) != 2 {
		t.Errorf("expected routing stack untouched in direct mode, got %v", rest)
	}
}

func TestHubModeOutboundPeelsTopHop(t *testing.T) {
	r := New(ModeHub, "hub", "hub.1", 4)
	routing, _ := protocol.PushHop(nil, 2)

	idx, rest, err := r.RouteOutbound(routing)
	if err != nil {
		t.Fatalf("RouteOutbound: %v", err)
	}
	if idx != 2 {
		t.Errorf("expected sensor index 2, got %d", idx)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty remaining routing, got %v", rest)
	}
}

func TestHubModeEmptyRoutingIsLocalDispatch(t *testing.T) {
	r := New(ModeHub, "hub", "hub.1", 4)
	_, _, err := r.RouteOutbound(nil)
	if err != ErrLocalDispatch {
		t.Errorf("expected ErrLocalDispatch, got %v", err)
	}
}

func TestHubModeRejectsOutOfRangeSensor(t *testing.T) {
	r := New(ModeHub, "hub", "hub.1", 2)
	routing, _ := protocol.PushHop(nil, 5)

	_, _, err := r.RouteOutbound(routing)
	if err != ErrInvalidSensor {
		t.Errorf("expected ErrInvalidSensor, got %v", err)
	}
}

func TestRouteInboundPushesSensorIndex(t *testing.T) {
	r := New(ModeHub, "hub", "hub.1", 4)
	routing, err := r.RouteInbound(3, nil)
	if err != nil {
		t.Fatalf("RouteInbound: %v", err)
	}
	hop, rest, ok := protocol.PopHop(routing)
	if !ok || hop != 3 || len(rest) != 0 {
		t.Errorf("unexpected routing after RouteInbound: hop=%d rest=%v ok=%v", hop, rest, ok)
	}
}

func TestLocalRPCKnownMethods(t *testing.T) {
	r := New(ModeHub, "myhub", "myhub.42", 3)

	for _, method := range []string{"dev.desc", "dev.proc.id", "dev.ports"} {
		reply, ok := r.HandleLocalRPC(protocol.RPCRequest{ID: 0x42, ByName: true, Method: method})
		if !ok {
			t.Fatalf("%s: expected ok=true", method)
		}
		gotID, err := protocol.RPCReplyID(reply)
		if err != nil || gotID != 0x42 {
			t.Errorf("%s: unexpected reply id: %d err=%v", method, gotID, err)
		}
	}

	descReply, _ := r.HandleLocalRPC(protocol.RPCRequest{ID: 1, ByName: true, Method: "dev.desc"})
	if string(descReply[2:]) != "myhub" {
		t.Errorf("dev.desc: got %q want %q", descReply[2:], "myhub")
	}

	idReply, _ := r.HandleLocalRPC(protocol.RPCRequest{ID: 1, ByName: true, Method: "dev.proc.id"})
	if string(idReply[2:]) != "myhub.42" {
		t.Errorf("dev.proc.id: got %q want %q", idReply[2:], "myhub.42")
	}

	portsReply, _ := r.HandleLocalRPC(protocol.RPCRequest{ID: 1, ByName: true, Method: "dev.ports"})
	if got := binary.BigEndian.Uint32(portsReply[2:]); got != 3 {
		t.Errorf("dev.ports: got %d want 3", got)
	}
}

func TestLocalRPCUnknownMethodDropped(t *testing.T) {
	r := New(ModeHub, "hub", "hub.1", 2)
	_, ok := r.HandleLocalRPC(protocol.RPCRequest{ID: 1, ByName: true, Method: "dev.unknown"})
	if ok {
		t.Errorf("expected unknown method to be rejected")
	}
}
