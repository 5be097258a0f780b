package daemon

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestResponseMessages(t *testing.T) {
	r := &Response{}

	r.AddMessage("hello", StatusInfo)
	r.AddMessage("careful", StatusWarn)

	if len(r.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(r.Messages))
	}
	if r.Messages[1].Message != "careful" || r.Messages[1].Status != StatusWarn {
		t.Errorf("Second message = %+v, want {careful, WARN}", r.Messages[1])
	}
	if r.HasErrors() {
		t.Error("Expected no errors")
	}

	r.AddMessage("broken", StatusError)
	if !r.HasErrors() {
		t.Error("Expected HasErrors after an ERROR message")
	}
}

func TestResponseToJSON(t *testing.T) {
	r := &Response{}
	r.AddMessage("OK", StatusInfo)
	r.AddData(map[string]int{"clients": 2})

	var parsed map[string]any
	if err := json.Unmarshal([]byte(r.ToJSON()), &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}
	if messages, ok := parsed["messages"].([]any); !ok || len(messages) != 1 {
		t.Fatalf("Expected 1 message in JSON, got %v", parsed["messages"])
	}
	if parsed["data"] == nil {
		t.Error("Expected data in JSON output")
	}

	empty := &Response{}
	empty.AddMessage("no data", StatusInfo)
	if strings.Contains(empty.ToJSON(), "data") {
		t.Errorf("Expected 'data' to be omitted when nil: %s", empty.ToJSON())
	}
}

func TestResponseDecodeData(t *testing.T) {
	sent := Response{}
	sent.AddData(StatusData{State: "connected", TunnelID: "tun-1", Clients: 3})

	var received Response
	if err := json.Unmarshal([]byte(sent.ToJSON()), &received); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	var status StatusData
	if err := received.DecodeData(&status); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if status.State != "connected" || status.TunnelID != "tun-1" || status.Clients != 3 {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestStreamingResponseWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sr := NewStreamingResponse(&buf)

	if err := sr.WriteMessage("Reconnecting tunnel...", StatusInfo); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	sr.WriteMessage("slow relay", StatusWarn)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 JSON lines, got %d", len(lines))
	}

	var msg ResponseMessage
	if err := json.Unmarshal([]byte(lines[1]), &msg); err != nil {
		t.Fatalf("Failed to parse streaming message: %v", err)
	}
	if msg.Message != "slow relay" || msg.Status != StatusWarn {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestResponseLogMessages(t *testing.T) {
	r := &Response{}
	r.AddMessage("info message", StatusInfo)
	r.AddMessage("warn message", StatusWarn)
	r.AddMessage("error message", StatusError)
	r.AddMessage("unknown status", "UNKNOWN")

	// Should not panic
	r.LogMessages()
}
