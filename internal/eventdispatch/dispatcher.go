// Package eventdispatch owns the single in-VM spooler session and the
// listener goroutine that fans its asynchronous events out to the
// per-session queues owned by the session table.
package eventdispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/go-dal/internal/appletmgr"
	"github.com/joeycumines/go-dal/internal/eventsink"
	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/sessionmgr"
	"github.com/joeycumines/go-dal/internal/wire"
)

// SessionEnqueuer is the slice of sessionmgr.Table the dispatcher needs:
// event queues and sinks, plus creating the spooler's own session. It never
// changes another session's owners or any applet state.
type SessionEnqueuer interface {
	GetEventSink(sid ids.SessionID) (sessionmgr.Sink, bool)
	EnqueueEvent(sid ids.SessionID, ev sessionmgr.EventData) bool
	SetEventSink(sid ids.SessionID, sink sessionmgr.Sink) wire.Status
	GetVMHandle(sid ids.SessionID) (plugin.Handle, bool)
	CreateSession(ctx context.Context, uuid string, initBuf []byte, shared bool, owner procinfo.Owner) (ids.SessionID, wire.Status, error)
}

// Dispatcher owns the spooler session and its listener goroutine.
type Dispatcher struct {
	vm       plugin.VmPlugin
	applets  *appletmgr.Manager
	sessions SessionEnqueuer
	log      *logging.Logger

	blob  []byte
	isACP bool

	mu        sync.Mutex
	sessionID ids.SessionID
	handle    plugin.Handle
	cancel    context.CancelFunc
	stopped   chan struct{}

	// OnFatal is invoked from the listener goroutine when the spooler
	// session cannot be recovered by reinstalling; the caller (globals)
	// performs the actual global_reset.
	OnFatal func()
}

// New constructs a Dispatcher. blob/isACP describe the spooler applet's
// package bytes, used both for the initial silent install and for any
// reinstall-and-retry after a recoverable spooler fault.
func New(vm plugin.VmPlugin, applets *appletmgr.Manager, sessions SessionEnqueuer, blob []byte, isACP bool, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		vm:       vm,
		applets:  applets,
		sessions: sessions,
		blob:     blob,
		isACP:    isACP,
		log:      logging.With(log, "eventdispatch"),
	}
}

// Start installs the spooler applet if unknown, opens its single VM
// session, and spawns the listener goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	state := d.applets.GetAppletState(ids.SpoolerUUID)
	if !state.Exists {
		if status, err := d.applets.InstallSpooler(ctx, d.blob, d.isACP); status != wire.StatusSuccess {
			return fmt.Errorf("eventdispatch: installing spooler applet: status=%s err=%w", status, err)
		}
	}

	owner := procinfo.Owner{PID: int32(os.Getpid())}
	sid, status, err := d.sessions.CreateSession(ctx, ids.SpoolerUUID, nil, false, owner)
	if status != wire.StatusSuccess {
		return fmt.Errorf("eventdispatch: creating spooler session: status=%s err=%w", status, err)
	}
	handle, _ := d.sessions.GetVMHandle(sid)

	d.mu.Lock()
	d.sessionID = sid
	d.handle = handle
	d.stopped = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go d.listen(runCtx)
	return nil
}

// Stop signals the listener goroutine to exit and waits for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stopped
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (d *Dispatcher) spoolerHandle() plugin.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// listen is the dispatcher's single long-running listener task.
func (d *Dispatcher) listen(ctx context.Context) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	defer close(stopped)

	for {
		if ctx.Err() != nil {
			return
		}

		ev, err := d.vm.WaitForSpoolerEvent(ctx, d.spoolerHandle())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.log.Warning().Err(err).Log("spooler event wait failed")
			if d.tryReinstallSpooler(ctx) {
				continue
			}
			d.triggerReset()
			return
		}

		sink, ok := d.sessions.GetEventSink(ev.TargetSession)
		if !ok || sink == nil {
			continue
		}
		if d.sessions.EnqueueEvent(ev.TargetSession, sessionmgr.EventData{DataType: ev.DataType, Data: ev.Data}) {
			if sigErr := sink.Signal(); sigErr != nil {
				d.log.Warning().Str("session", ev.TargetSession.String()).Err(sigErr).Log("signalling event sink failed")
			}
		}
	}
}

// tryReinstallSpooler reinstalls the spooler applet and opens a fresh
// spooler session. listen calls it for every wait error other than context
// cancellation; the error's status is not inspected, so every such failure
// gets one reinstall attempt before a reset.
func (d *Dispatcher) tryReinstallSpooler(ctx context.Context) bool {
	if status, err := d.applets.InstallSpooler(ctx, d.blob, d.isACP); status != wire.StatusSuccess {
		d.log.Err().Str("status", status.String()).Err(err).Log("reinstalling spooler applet failed")
		return false
	}
	owner := procinfo.Owner{PID: int32(os.Getpid())}
	sid, status, err := d.sessions.CreateSession(ctx, ids.SpoolerUUID, nil, false, owner)
	if status != wire.StatusSuccess {
		d.log.Err().Str("status", status.String()).Err(err).Log("recreating spooler session failed")
		return false
	}
	handle, _ := d.sessions.GetVMHandle(sid)
	d.mu.Lock()
	d.sessionID = sid
	d.handle = handle
	d.mu.Unlock()
	return true
}

func (d *Dispatcher) triggerReset() {
	if d.OnFatal != nil {
		d.OnFatal()
	}
}

// SetSessionEventHandler opens (or, for an empty name, closes) the named OS
// event for sid, rejecting shared sessions.
func (d *Dispatcher) SetSessionEventHandler(sid ids.SessionID, handleName string) wire.Status {
	if handleName == "" {
		return d.sessions.SetEventSink(sid, nil)
	}
	sink, err := eventsink.New()
	if err != nil {
		d.log.Err().Err(err).Log("opening event sink failed")
		return wire.StatusInternalError
	}
	status := d.sessions.SetEventSink(sid, sink)
	if status != wire.StatusSuccess {
		_ = sink.Close()
	}
	return status
}
