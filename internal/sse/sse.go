// Package sse provides the low-level Server-Sent Events framing shared by
// both ingress adapters. It knows nothing about OpenAI or Anthropic wire
// formats; it only knows how to write "event:"/"data:" lines and flush them
// immediately, and how to keep a connection alive while no real event is
// ready to send.
package sse

import (
	"fmt"
	"net/http"
	"time"
)

// KeepAliveInterval is how often a ping is sent down an idle stream so
// intermediate proxies don't time the connection out.
const KeepAliveInterval = 10 * time.Second

// Writer wraps an http.ResponseWriter configured for event-stream output.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the SSE response headers and returns a Writer, failing if
// the underlying ResponseWriter cannot be flushed incrementally.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteData writes an unnamed event: "data: <payload>\n\n".
func (sw *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteNamedEvent writes a named event: "event: <name>\ndata: <payload>\n\n".
func (sw *Writer) WriteNamedEvent(name string, payload []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteDoneSentinel writes the OpenAI-style "data: [DONE]\n\n" terminator.
func (sw *Writer) WriteDoneSentinel() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line (": text\n\n"), invisible to
// EventSource clients but enough to keep a connection from going idle.
func (sw *Writer) WriteComment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
