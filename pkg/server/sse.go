package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pario-ai/jobmeter/pkg/relay"
)

// sseWriter frames relay output as server-sent events. Headers are sent
// with the first frame, so errors before that can still be plain JSON.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Start(callID string) {
	s.w.Header().Set("X-Jobmeter-Call-Id", callID)
}

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) WriteFrame(f relay.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.write("data: " + string(b) + "\n\n")
}

func (s *sseWriter) WriteDone() error {
	return s.write("data: [DONE]\n\n")
}

func (s *sseWriter) write(event string) error {
	s.begin()
	if _, err := fmt.Fprint(s.w, event); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
