package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// sseWriter frames relay records as Server-Sent Events: one
// "data: <json>\n\n" frame per record, flushed immediately so tokens reach
// the page as they are produced.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) Send(rec relay.Record) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(rec.Encode()); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
