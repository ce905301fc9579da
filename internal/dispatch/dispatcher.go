// Package dispatch routes parsed wire requests to the lifecycle, applet,
// and session subsystems, serialized behind the global command mutex
// (every command except SEND_AND_RECEIVE, which relies only on the
// per-session lock so one slow applet cannot block unrelated sessions).
package dispatch

import (
	"context"
	"sync"

	"github.com/joeycumines/go-dal/internal/globals"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/wire"
)

// Dispatcher routes parsed wire requests to the lifecycle/applet/session
// subsystems, holding the process-wide command mutex around everything but
// SEND_AND_RECEIVE.
type Dispatcher struct {
	g        *globals.Globals
	globalMu sync.Mutex
	log      *logging.Logger
}

// New constructs a Dispatcher over an already-constructed Globals.
func New(g *globals.Globals, log *logging.Logger) *Dispatcher {
	return &Dispatcher{g: g, log: logging.With(log, "dispatch")}
}

// Handle parses req.Payload for req.Command, runs it, and returns the
// response payload in wire order alongside its status.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Request) (wire.Status, []byte) {
	unlock, status := d.g.AcquireReader(ctx)
	if status != wire.StatusSuccess {
		return status, nil
	}
	defer unlock()

	if req.Command != wire.CmdSendAndReceive {
		d.globalMu.Lock()
		defer d.globalMu.Unlock()
	}

	r := wire.NewReader(req.Payload)
	w := &wire.Writer{}

	status = d.dispatch(ctx, req.Command, r, w)
	if r.Err() != nil {
		return wire.StatusInvalidParams, nil
	}
	return status, w.Bytes()
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd wire.CommandID, r *wire.Reader, w *wire.Writer) wire.Status {
	switch cmd {
	case wire.CmdInit:
		return wire.StatusSuccess
	case wire.CmdInstall:
		return d.cmdInstall(ctx, r)
	case wire.CmdUninstall:
		return d.cmdUninstall(ctx, r)
	case wire.CmdCreateSession:
		return d.cmdCreateSession(ctx, r, w)
	case wire.CmdCloseSession:
		return d.cmdCloseSession(ctx, r)
	case wire.CmdGetSessionsCount:
		return d.cmdGetSessionsCount(r, w)
	case wire.CmdGetSessionInfo:
		return d.cmdGetSessionInfo(r, w)
	case wire.CmdSetSessionEventHandler:
		return d.cmdSetSessionEventHandler(r)
	case wire.CmdGetEventData:
		return d.cmdGetEventData(r, w)
	case wire.CmdSendAndReceive:
		return d.cmdSendAndReceive(ctx, r, w)
	case wire.CmdGetAppletProperty:
		return d.cmdGetAppletProperty(ctx, r, w)
	case wire.CmdGetVersionInfo:
		return d.cmdGetVersionInfo(w)
	case wire.CmdListInstalledTAs:
		return d.cmdListInstalled(ctx, r, w, false)
	case wire.CmdListInstalledSDs:
		return d.cmdListInstalled(ctx, r, w, true)
	case wire.CmdCreateSDSession:
		return d.cmdCreateSDSession(ctx, r, w)
	case wire.CmdCloseSDSession:
		return d.cmdCloseSDSession(ctx, r)
	case wire.CmdSendCmdPkg:
		return d.cmdSendCmdPkg(ctx, r)
	case wire.CmdQueryTeeMetadata:
		return d.cmdQueryTEEMetadata(ctx, w)
	default:
		return wire.StatusInvalidCommand
	}
}
