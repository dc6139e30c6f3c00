// Package sse implements the server-sent-events transport for streaming chat:
// framing, the content/event-bus merge loop, and the completion protocol.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// EventType is the closed set of stream event types.
type EventType string

const (
	EventStart       EventType = "start"
	EventMetadata    EventType = "metadata"
	EventContent     EventType = "content"
	EventToolCall    EventType = "tool_call"
	EventWorldUpdate EventType = "world_update"
	EventDone        EventType = "done"
	EventError       EventType = "error"
)

// Pre-allocated frames for the streaming hot path.
var (
	dataPrefix = []byte("data: ")
	newline    = []byte("\n\n")
	terminator = []byte("data: [DONE]\n\n")
)

// Writer frames events onto an SSE response. Every event carries a
// monotonically increasing sequence number scoped to the stream.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     uint64
}

// NewWriter wraps a response writer. Fails if the writer cannot flush, since
// buffered SSE defeats the purpose.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteHeaders sends the SSE response headers.
func (w *Writer) WriteHeaders() {
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.flusher.Flush()
}

// Emit writes one event frame. fields must not contain "type" or
// "sequence_number"; those are owned by the writer.
func (w *Writer) Emit(t EventType, fields map[string]any) error {
	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = t
	frame["sequence_number"] = w.seq
	w.seq++

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", t, err)
	}

	if _, err := w.w.Write(dataPrefix); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	if _, err := w.w.Write(newline); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Terminate writes the literal stream terminator.
func (w *Writer) Terminate() error {
	if _, err := w.w.Write(terminator); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
