package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/routeiq/agent/internal/domain"
)

// SSEEncoder writes stream events as server-sent-event frames, one frame per
// event, flushed immediately so ordering on the wire matches emission order.
type SSEEncoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEncoder wraps a response writer. The caller must have set the
// text/event-stream headers before the first Emit.
func NewSSEEncoder(w io.Writer) *SSEEncoder {
	enc := &SSEEncoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Emit writes one frame. A failed write is returned so the orchestrator can
// mute the stream; it is never retried.
func (e *SSEEncoder) Emit(event domain.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
