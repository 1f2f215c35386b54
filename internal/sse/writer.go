package sse

import (
	"fmt"
	"io"
	"net/http"
)

// Writer frames outgoing payloads as SSE data events, flushing after every
// write so deltas reach the client without batching.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps an http.ResponseWriter. The flusher is optional; when the
// ResponseWriter does not support flushing, writes still succeed but are left
// to the transport's own buffering.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// PrepareHeaders sets the SSE response headers. Must be called before the
// first write.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", "*")
}

// WriteData emits one `data: <payload>` event.
func (sw *Writer) WriteData(payload string) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// WriteDone emits the completion sentinel.
func (sw *Writer) WriteDone() error {
	return sw.WriteData(DoneSentinel)
}

// WriteError emits an in-band terminal error event. Used once streaming has
// begun and the 200 status can no longer change.
func (sw *Writer) WriteError(msg string) error {
	if msg == "" {
		msg = "stream error"
	}
	return sw.WriteData(ErrorPrefix + msg)
}
