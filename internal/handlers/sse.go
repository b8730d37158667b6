package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/valyala/bytebufferpool"
)

var errStreamBroken = errors.New("stream write failed")

// sseWriter frames server-sent events. Headers are only sent with the first
// event, so a request that fails before producing output can still get a
// plain JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	broken  bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Send writes v as one data event and flushes it
func (s *sseWriter) Send(v interface{}) error {
	if s.broken {
		return errStreamBroken
	}
	s.start()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("data: ")
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encode ends with a newline; one more closes the event
	buf.WriteString("\n")
	return s.write(buf.B)
}

// Done writes the stream terminator
func (s *sseWriter) Done() error {
	if s.broken {
		return errStreamBroken
	}
	s.start()
	return s.write([]byte("data: [DONE]\n\n"))
}

func (s *sseWriter) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		s.broken = true
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.broken = true
		return err
	}
	return nil
}
