package wsupgrade

import "testing"

func TestAcceptKnownVector(t *testing.T) {
	// The canonical RFC 6455 §1.3 worked example.
	got := Accept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("Accept mismatch: got %q want %q", got, want)
	}
}

func TestParseRequestIncomplete(t *testing.T) {
	_, err := ParseRequest([]byte("GET / HTTP/1.1\r\nUpgrade: websocket\r\n"))
	if err != ErrIncomplete {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
}

func TestParseRequestValid(t *testing.T) {
	raw := "GET /sensor HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	req, err := ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("unexpected key: %q", req.Key)
	}
}

func TestParseRequestMissingUpgradeHeader(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"
	_, err := ParseRequest([]byte(raw))
	if err != ErrInvalid {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestResponseContainsComputedAccept(t *testing.T) {
	resp := Response("dGhlIHNhbXBsZSBub25jZQ==")
	want := "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n"
	if !contains(string(resp), want) {
		t.Errorf("response missing expected Accept header: %s", resp)
	}
	if !contains(string(resp), "101 Switching Protocols") {
		t.Errorf("response missing 101 status line: %s", resp)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
