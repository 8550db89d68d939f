package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// streamEvent is one SSE payload. Only the fields relevant to the event type
// are set.
type streamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Tokens  int64  `json:"tokens,omitempty"`
}

// sseWriter writes events in SSE wire format (event: type\ndata: json\n\n)
// and flushes after each one. Safe for concurrent use.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEWriter wraps a ResponseWriter for SSE output. The caller must set
// SSE headers first.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) writeEvent(event streamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) writeToken(content string) error {
	return w.writeEvent(streamEvent{Type: "token", Content: content})
}

func (w *sseWriter) writeError(msg string) error {
	return w.writeEvent(streamEvent{Type: "error", Error: msg})
}

func (w *sseWriter) writeDone(jobID string, tokens int64) error {
	return w.writeEvent(streamEvent{Type: "done", JobID: jobID, Tokens: tokens})
}

// setSSEHeaders configures response headers for SSE streaming. Must run
// before the first write. X-Accel-Buffering disables nginx buffering.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
