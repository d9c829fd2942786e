package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAuditLogger_LogKeyPairCreated(t *testing.T) {
	logger := NewLogger(100, NewJSONWriter(&bytes.Buffer{}))

	logger.LogKeyPairCreated("room-1", nil, 100*time.Millisecond)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeKeyPairCreated {
		t.Fatalf("expected event type %s, got %s", EventTypeKeyPairCreated, event.EventType)
	}

	if event.ObjectKey != "room-1" {
		t.Fatalf("expected object key room-1, got %s", event.ObjectKey)
	}

	if !event.Success {
		t.Fatal("expected success to be true")
	}

	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestAuditLogger_LogDecrypt(t *testing.T) {
	logger := NewLogger(100, NewJSONWriter(&bytes.Buffer{}))

	logger.LogDecrypt("media-1", "room-1", nil, 50*time.Millisecond)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeDecrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeDecrypt, event.EventType)
	}

	if event.MediaID != "media-1" || event.RoomID != "room-1" {
		t.Fatalf("unexpected ids: media=%s room=%s", event.MediaID, event.RoomID)
	}
}

func TestAuditLogger_LogAuthorization(t *testing.T) {
	logger := NewLogger(100, NewJSONWriter(&bytes.Buffer{}))

	logger.LogAuthorization("user-1", "room-1", false, "schedule lookup failed")

	event := logger.(*auditLogger).GetEvents()[0]
	if event.Success {
		t.Fatal("expected denied decision to be recorded as unsuccessful")
	}
	if event.Metadata["reason"] != "schedule lookup failed" {
		t.Fatalf("unexpected reason %v", event.Metadata["reason"])
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, NewJSONWriter(&bytes.Buffer{}))

	// Add more events than max
	for i := 0; i < 10; i++ {
		logger.LogPrivateKeyRead("room", nil)
	}

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_LogError(t *testing.T) {
	logger := NewLogger(100, NewJSONWriter(&bytes.Buffer{}))

	err := &testError{msg: "test error"}
	logger.LogPrivateKeyRead("room-1", err)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}

	if event.Error != "test error" {
		t.Fatalf("expected error 'test error', got %s", event.Error)
	}
}

func TestJSONWriter_WritesLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONWriter(&buf))

	logger.LogKeyPairCreated("room-1", nil, time.Millisecond)
	logger.LogDecrypt("media-1", "room-1", nil, time.Millisecond)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var event AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if event.EventType != EventTypeKeyPairCreated {
		t.Fatalf("unexpected event type %s", event.EventType)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if err := logger.Log(&AuditEvent{}); err != nil {
		t.Fatalf("nop logger returned error: %v", err)
	}
	logger.LogAuthorization("u", "r", true, "")
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
