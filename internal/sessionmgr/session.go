// Package sessionmgr implements the session table: keyed by 128-bit
// session id, owner lists, shared-session coalescing, per-session locks,
// and event queues.
package sessionmgr

import (
	"sync"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
)

// Flags is the session record bitfield; bit 0 is "shared".
type Flags uint8

const FlagShared Flags = 1 << 0

func (f Flags) Shared() bool { return f&FlagShared != 0 }

const (
	// MaxOwners bounds owners per session.
	MaxOwners = 20
	// MaxEventQueue bounds the per-session pending event-data queue.
	MaxEventQueue = 100
)

// EventData is one pending spooler-delivered event payload.
type EventData struct {
	DataType uint8
	Data     []byte
}

// Sink is the opaque OS event handle a session is registered against. A real
// implementation lives in internal/eventsink; sessionmgr only depends on this
// narrow contract.
type Sink interface {
	Signal() error
	Close() error
}

// Session is one active session record.
type Session struct {
	ID         ids.SessionID
	VMHandle   plugin.Handle
	AppletUUID string
	Flags      Flags

	Owners     []procinfo.Owner
	EventQueue []EventData
	EventSink  Sink
	LastUsedNS int64
	DroppedEvents uint64

	// mu is the per-session lock: exclusive, held during send-and-receive
	// and during session removal.
	mu sync.Mutex
}

func (s *Session) hasOwner(o procinfo.Owner) int {
	for i, existing := range s.Owners {
		if existing == o {
			return i
		}
	}
	return -1
}
