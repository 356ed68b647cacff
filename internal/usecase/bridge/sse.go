package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ChunkSink receives the wire frames of one streaming response.
type ChunkSink interface {
	WriteChunk(chunk ChatCompletionChunk) error
	WriteDone() error
}

// SSEWriter encodes chunks as Server-Sent Events and flushes after each frame.
type SSEWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers and returns a writer for w.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &SSEWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

// WriteChunk writes one "data: <json>" frame.
func (s *SSEWriter) WriteChunk(chunk ChatCompletionChunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.frame(b)
}

// WriteDone writes the terminal [DONE] sentinel.
func (s *SSEWriter) WriteDone() error {
	return s.frame([]byte("[DONE]"))
}

func (s *SSEWriter) frame(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
