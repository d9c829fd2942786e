package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeKeyPairCreated represents the provisioning of a room key pair.
	EventTypeKeyPairCreated EventType = "key_pair_created"
	// EventTypePrivateKeyRead represents a read of a room private key.
	EventTypePrivateKeyRead EventType = "private_key_read"
	// EventTypeDecrypt represents an envelope decryption.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeAuthorization represents an authorization decision.
	EventTypeAuthorization EventType = "authorization"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	ObjectKey string                 `json:"object_key,omitempty"`
	RoomID    string                 `json:"room_id,omitempty"`
	MediaID   string                 `json:"media_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogKeyPairCreated logs the generation and persistence of a key pair.
	LogKeyPairCreated(objectKey string, err error, duration time.Duration)

	// LogPrivateKeyRead logs a private key lookup.
	LogPrivateKeyRead(objectKey string, err error)

	// LogDecrypt logs an envelope decryption.
	LogDecrypt(mediaID, roomID string, err error, duration time.Duration)

	// LogAuthorization logs an authorization decision.
	LogAuthorization(userID, roomID string, allowed bool, reason string)
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	now       func() time.Time
}

// NewLogger creates a new audit logger keeping the last maxEvents events in memory.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		now:       time.Now,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return writeErr
}

func (l *auditLogger) record(event *AuditEvent, err error) {
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyPairCreated logs the generation and persistence of a key pair.
func (l *auditLogger) LogKeyPairCreated(objectKey string, err error, duration time.Duration) {
	l.record(&AuditEvent{
		EventType: EventTypeKeyPairCreated,
		ObjectKey: objectKey,
		Duration:  duration,
	}, err)
}

// LogPrivateKeyRead logs a private key lookup.
func (l *auditLogger) LogPrivateKeyRead(objectKey string, err error) {
	l.record(&AuditEvent{
		EventType: EventTypePrivateKeyRead,
		ObjectKey: objectKey,
	}, err)
}

// LogDecrypt logs an envelope decryption.
func (l *auditLogger) LogDecrypt(mediaID, roomID string, err error, duration time.Duration) {
	l.record(&AuditEvent{
		EventType: EventTypeDecrypt,
		MediaID:   mediaID,
		RoomID:    roomID,
		Duration:  duration,
	}, err)
}

// LogAuthorization logs an authorization decision.
func (l *auditLogger) LogAuthorization(userID, roomID string, allowed bool, reason string) {
	event := &AuditEvent{
		EventType: EventTypeAuthorization,
		UserID:    userID,
		RoomID:    roomID,
		Success:   allowed,
	}
	if reason != "" {
		event.Metadata = map[string]interface{}{"reason": reason}
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON document per line.
type jsonWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns an EventWriter emitting JSON lines to out.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// nopLogger discards every event.
type nopLogger struct{}

// NewNopLogger returns a Logger used when auditing is disabled.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(*AuditEvent) error { return nil }
func (nopLogger) LogKeyPairCreated(string, error, time.Duration) {}
func (nopLogger) LogPrivateKeyRead(string, error) {}
func (nopLogger) LogDecrypt(string, string, error, time.Duration) {}
func (nopLogger) LogAuthorization(string, string, bool, string) {}
