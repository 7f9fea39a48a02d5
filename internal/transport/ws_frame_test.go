package transport

import (
	"bytes"
	"testing"
)

func TestWSFrameRoundTripUnmasked(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello sensor")

	if err := writeWSFrame(&buf, wsOpBinary, payload, false); err != nil {
		t.Fatalf("writeWSFrame: %v", err)
	}

	op, got, err := readWSFrame(&buf)
	if err != nil {
		t.Fatalf("readWSFrame: %v", err)
	}
	if op != wsOpBinary {
		t.Errorf("expected binary opcode, got %d", op)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestWSFrameRoundTripMasked(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xAB}, 300) // forces the 16-bit length form

	if err := writeWSFrame(&buf, wsOpBinary, payload, true); err != nil {
		t.Fatalf("writeWSFrame: %v", err)
	}

	_, got, err := readWSFrame(&buf)
	if err != nil {
		t.Fatalf("readWSFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch after masked round trip")
	}
}
