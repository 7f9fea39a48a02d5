package descriptor

import (
	"testing"

	"github.com/twinleaf/tio-proxy/internal/protocol"
)

func TestAddSensorAssignsSequentialIndex(t *testing.T) {
	tbl := New()
	h0 := tbl.AddSensor(&Descriptor{OriginURL: "tcp://sensor0:7855"})
	h1 := tbl.AddSensor(&Descriptor{OriginURL: "tcp://sensor1:7855"})

	if tbl.Sensor(0).Handle != h0 {
		t.Errorf("sensor 0 handle mismatch")
	}
	if tbl.Sensor(1).Handle != h1 {
		t.Errorf("sensor 1 handle mismatch")
	}
	if tbl.Sensor(1).SensorIndex != 1 {
		t.Errorf("expected SensorIndex 1, got %d", tbl.Sensor(1).SensorIndex)
	}
	if tbl.Sensor(2) != nil {
		t.Errorf("expected nil for out-of-range sensor index")
	}
}

func TestClientHandlesSurviveUnrelatedRemoval(t *testing.T) {
	tbl := New()
	hA := tbl.AddClient(&Descriptor{})
	hB := tbl.AddClient(&Descriptor{})
	hC := tbl.AddClient(&Descriptor{})

	tbl.RemoveClient(hB)

	if _, ok := tbl.Client(hB); ok {
		t.Errorf("expected hB to be gone")
	}
	if _, ok := tbl.Client(hA); !ok {
		t.Errorf("hA should be unaffected by hB's removal")
	}
	if _, ok := tbl.Client(hC); !ok {
		t.Errorf("hC should be unaffected by hB's removal")
	}
	if got := tbl.ClientCount(); got != 2 {
		t.Errorf("expected 2 clients remaining, got %d", got)
	}
}

func TestHandlesAreUnique(t *testing.T) {
	tbl := New()
	seen := make(map[Handle]bool)
	for i := 0; i < 100; i++ {
		h := tbl.AddClient(&Descriptor{})
		if seen[h] {
			t.Fatalf("duplicate handle %d", h)
		}
		seen[h] = true
	}
}

func TestRemoveListenerClosesTransport(t *testing.T) {
	tbl := New()
	ft := &fakeTransport{}
	h := tbl.AddListener(&Descriptor{Transport: ft})
	tbl.RemoveListener(h)
	if !ft.closed {
		t.Errorf("expected transport to be closed on listener removal")
	}
}

type fakeTransport struct{ closed bool }

func (f *fakeTransport) Recv() (*protocol.Packet, error) { return nil, nil }
func (f *fakeTransport) Send(*protocol.Packet) error     { return nil }
func (f *fakeTransport) Close() error                    { f.closed = true; return nil }
func (f *fakeTransport) RemoteAddr() string              { return "fake" }
