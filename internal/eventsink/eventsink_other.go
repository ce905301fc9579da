//go:build !linux

package eventsink

import (
	"os"
	"sync"
)

// pipeSink is the non-Linux fallback: an os.Pipe signalled by writing a
// single byte, draining is the consuming side's responsibility (out of
// scope here, same as the eventfd variant).
type pipeSink struct {
	mu     sync.Mutex
	r, w   *os.File
	closed bool
}

// New opens a fresh pipe-backed sink.
func New() (Sink, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pipeSink{r: r, w: w}, nil
}

func (s *pipeSink) Signal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	_, err := s.w.Write([]byte{1})
	return err
}

func (s *pipeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.r.Close()
	return s.w.Close()
}
