// Package transport implements the local IPC listener, its per-kind
// construction (Unix-domain socket, Android reserved socket, loopback TCP),
// and the bounded worker pool that invokes the command dispatcher for each
// accepted connection.
package transport

import (
	"fmt"
	"net"
	"os"
)

// Kind selects which concrete Listener NewListener constructs.
type Kind string

const (
	KindUnix           Kind = "unix"
	KindTCP            Kind = "tcp"
	KindAndroidReserved Kind = "android-reserved"
)

// Listener is the abstraction Server drives: Accept loops until the
// listener is closed, at which point it returns a non-nil error and the
// server's accept loop exits.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// NewListener constructs the Listener for kind. For KindUnix, path is the
// socket path (removed first if stale). For KindTCP, path is the address to
// bind (":0" lets the kernel pick a port; the bound address is read back via
// Addr() and written to config for client discovery). KindAndroidReserved
// is not a separate implementation — the Android reserved socket is a
// pre-opened net.Listener handed in by inheritedFD, wrapped like any other.
func NewListener(kind Kind, path string, inheritedFD int) (Listener, error) {
	switch kind {
	case KindUnix:
		return newUnixListener(path)
	case KindTCP:
		return newTCPListener(path)
	case KindAndroidReserved:
		return newInheritedListener(inheritedFD)
	default:
		return nil, fmt.Errorf("transport: unknown listener kind %q", kind)
	}
}

func newUnixListener(path string) (Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: removing stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", path, err)
	}
	return l, nil
}

func newTCPListener(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return l, nil
}

// newInheritedListener wraps a file descriptor the platform supervisor
// already bound and passed to this process (Android's "reserved socket"),
// rather than opening one itself.
func newInheritedListener(fd int) (Listener, error) {
	f := os.NewFile(uintptr(fd), "android-reserved-socket")
	if f == nil {
		return nil, fmt.Errorf("transport: invalid inherited fd %d", fd)
	}
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("transport: wrapping inherited fd %d: %w", fd, err)
	}
	return l, nil
}
