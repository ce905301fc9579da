//go:build linux

package eventsink

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// eventfdSink wraps a single Linux eventfd(2), signalled by writing the
// 8-byte value 1.
type eventfdSink struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// New opens a fresh, non-blocking, close-on-exec eventfd.
func New() (Sink, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventsink: eventfd: %w", err)
	}
	return &eventfdSink{fd: fd}, nil
}

// FD exposes the raw descriptor, for a host client to poll/epoll on — the
// client-side consumption of the event is out of scope here.
func (s *eventfdSink) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

func (s *eventfdSink) Signal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unix.EBADF
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.fd, buf[:])
	return err
}

func (s *eventfdSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
