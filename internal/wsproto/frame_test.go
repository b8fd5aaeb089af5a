package wsproto

import (
	"encoding/json"
	"testing"
)

func TestNewFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(TypeHeartbeat, HeartbeatData{Status: "online", CPUPercent: 12.5})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if f.Type != TypeHeartbeat {
		t.Fatalf("expected type heartbeat, got %s", f.Type)
	}
	if f.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be stamped")
	}

	var data HeartbeatData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != "online" || data.CPUPercent != 12.5 {
		t.Fatalf("unexpected decoded data: %+v", data)
	}
}
