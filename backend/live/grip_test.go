package live

import "testing"

func TestSSEEventFrames(t *testing.T) {
	if frame := SSEEvent(StreamOpenEventName, ""); frame != ": stream-open\n\n" {
		t.Fatalf("frames without a payload are comments: %q", frame)
	}

	if frame := SSEEvent("message", `{"a":1}`); frame != "event: message\ndata: {\"a\":1}\n\n" {
		t.Fatalf("invalid event frame %q", frame)
	}

	if frame := SSEEvent("message", "a\nb"); frame != "event: message\ndata: a\ndata: b\n\n" {
		t.Fatalf("multiline payloads span multiple data lines: %q", frame)
	}
}
