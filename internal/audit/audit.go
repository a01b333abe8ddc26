// Package audit records a best-effort trail of filesystem-level events:
// uploads, downloads, deletes and renames, each tagged with a correlation
// id so a single kernel-facing operation's fan-out (e.g. one write
// spanning several chunk uploads) can be reassembled from the log.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what kind of filesystem event occurred.
type EventType string

const (
	EventUpload   EventType = "upload"
	EventDownload EventType = "download"
	EventDelete   EventType = "delete"
	EventRename   EventType = "rename"
)

// Event is a single audit record.
type Event struct {
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id"`
	EventType     EventType     `json:"event_type"`
	VirtualPath   string        `json:"virtual_path"`
	SizeBytes     int64         `json:"size_bytes,omitempty"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration_ms"`
}

// EventWriter is the sink an audit Logger drains into.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// Logger records audit events and keeps a bounded in-memory tail of the
// most recent ones for diagnostics.
type Logger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a Logger backed by writer, keeping up to maxEvents in
// memory. A nil writer falls back to a stdout JSON writer.
func NewLogger(maxEvents int, writer EventWriter) *Logger {
	if writer == nil {
		writer = &stdoutWriter{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Logger{events: make([]*Event, 0, maxEvents), maxEvents: maxEvents, writer: writer}
}

// NewCorrelationID generates a fresh correlation id for one logical
// filesystem operation.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Record appends event to the in-memory tail and forwards it to the
// writer. Writer errors are swallowed: an audit sink outage must never
// fail the filesystem operation it is describing. A nil Logger is a no-op,
// so components can be constructed without an audit sink.
func (l *Logger) Record(event *Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.writer.WriteEvent(event)

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogUpload records a chunk-upload-and-persist outcome.
func (l *Logger) LogUpload(correlationID, path string, sizeBytes int64, success bool, err error, duration time.Duration) {
	l.record(correlationID, EventUpload, path, sizeBytes, success, err, duration)
}

// LogDownload records a reassembly outcome.
func (l *Logger) LogDownload(correlationID, path string, sizeBytes int64, success bool, err error, duration time.Duration) {
	l.record(correlationID, EventDownload, path, sizeBytes, success, err, duration)
}

// LogDelete records a file or directory deletion.
func (l *Logger) LogDelete(correlationID, path string, success bool, err error) {
	l.record(correlationID, EventDelete, path, 0, success, err, 0)
}

// LogRename records a move/rename.
func (l *Logger) LogRename(correlationID, path string, success bool, err error) {
	l.record(correlationID, EventRename, path, 0, success, err, 0)
}

func (l *Logger) record(correlationID string, eventType EventType, path string, sizeBytes int64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		EventType:     eventType,
		VirtualPath:   path,
		SizeBytes:     sizeBytes,
		Success:       success,
		Duration:      duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Record(event)
}

// Events returns a snapshot of the in-memory tail, most recent last.
func (l *Logger) Events() []*Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Event, len(l.events))
	copy(out, l.events)
	return out
}

// Close releases the underlying writer, if closeable.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type stdoutWriter struct{}

func (w *stdoutWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
