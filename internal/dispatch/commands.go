package dispatch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/sessionmgr"
	"github.com/joeycumines/go-dal/internal/wire"
)

func isACPPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".acp")
}

func readSessionID(r *wire.Reader) ids.SessionID {
	s := r.String()
	if r.Err() != nil {
		return ids.SessionID{}
	}
	sid, err := uuid.Parse(s)
	if err != nil {
		r.Fail(err)
		return ids.SessionID{}
	}
	return sid
}

func readOwner(r *wire.Reader) procinfo.Owner {
	pid := r.U32()
	start := r.U64()
	return procinfo.Owner{PID: int32(pid), StartTime: start}
}

func (d *Dispatcher) cmdInstall(ctx context.Context, r *wire.Reader) wire.Status {
	uuidStr := r.String()
	path := r.String()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	status, _ := d.g.Applets.Install(ctx, uuidStr, path, true, isACPPath(path))
	return status
}

func (d *Dispatcher) cmdUninstall(ctx context.Context, r *wire.Reader) wire.Status {
	uuidStr := r.String()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	status, _ := d.g.Applets.Uninstall(ctx, uuidStr)
	return status
}

func (d *Dispatcher) cmdCreateSession(ctx context.Context, r *wire.Reader, w *wire.Writer) wire.Status {
	uuidStr := r.String()
	flags := r.U8()
	initBuf := r.Bytes()
	owner := readOwner(r)
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	shared := sessionmgr.Flags(flags).Shared()
	sid, status, _ := d.g.Sessions.CreateSession(ctx, uuidStr, initBuf, shared, owner)
	if status != wire.StatusSuccess {
		return status
	}
	w.PutString(sid.String())
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdCloseSession(ctx context.Context, r *wire.Reader) wire.Status {
	sid := readSessionID(r)
	owner := readOwner(r)
	force := r.U8()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	var ownerPtr *procinfo.Owner
	if force == 0 {
		ownerPtr = &owner
	}
	return d.g.Sessions.CloseSession(ctx, sid, ownerPtr, force != 0, true)
}

func (d *Dispatcher) cmdGetSessionsCount(r *wire.Reader, w *wire.Writer) wire.Status {
	uuidStr := r.String()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	w.PutU32(uint32(d.g.Sessions.SessionCount(uuidStr)))
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdGetSessionInfo(r *wire.Reader, w *wire.Writer) wire.Status {
	sid := readSessionID(r)
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	flags, owners, ok := d.g.Sessions.SessionInfo(sid)
	if !ok {
		return wire.StatusInvalidSessionHdl
	}
	w.PutU8(uint8(flags))
	w.PutU32(uint32(owners))
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdSetSessionEventHandler(r *wire.Reader) wire.Status {
	sid := readSessionID(r)
	handleName := r.String()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	return d.g.Dispatcher.SetSessionEventHandler(sid, handleName)
}

func (d *Dispatcher) cmdGetEventData(r *wire.Reader, w *wire.Writer) wire.Status {
	sid := readSessionID(r)
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	ev, status := d.g.Sessions.DequeueEvent(sid)
	if status != wire.StatusSuccess {
		return status
	}
	w.PutU8(ev.DataType)
	w.PutBytes(ev.Data)
	return wire.StatusSuccess
}

// cmdSendAndReceive deliberately skips the global command mutex (Handle only
// takes it for every other command); correctness instead relies on the
// per-session lock acquired here, so one slow applet cannot stall unrelated
// sessions.
func (d *Dispatcher) cmdSendAndReceive(ctx context.Context, r *wire.Reader, w *wire.Writer) wire.Status {
	sid := readSessionID(r)
	cmdID := r.U32()
	tx := r.Bytes()
	rxLen := r.U32()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}

	unlock, ok := d.g.Sessions.AcquireSessionLock(sid)
	if !ok {
		return wire.StatusInvalidSessionHdl
	}
	defer unlock()

	handle, ok := d.g.Sessions.GetVMHandle(sid)
	if !ok {
		return wire.StatusInvalidSessionHdl
	}

	rx, appletRC, status, _ := d.g.VM.SendAndReceive(ctx, handle, cmdID, tx, rxLen)
	if status != wire.StatusSuccess {
		return status
	}
	w.PutBytes(rx)
	w.PutU32(uint32(appletRC))
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdGetAppletProperty(ctx context.Context, r *wire.Reader, w *wire.Writer) wire.Status {
	uuidStr := r.String()
	tx := r.Bytes()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	if state := d.g.Applets.GetAppletState(uuidStr); !state.Exists {
		return wire.StatusAppletNotInstalled
	}
	rx, status, _ := d.g.VM.GetAppletProperty(ctx, uuidStr, tx)
	if status != wire.StatusSuccess {
		return status
	}
	w.PutBytes(rx)
	return wire.StatusSuccess
}

// jhiVersion is the reported client-library compatible version string.
const jhiVersion = "1.0"

func (d *Dispatcher) cmdGetVersionInfo(w *wire.Writer) wire.Status {
	w.PutString(jhiVersion)
	w.PutU32(uint32(d.g.FWVersion.Major))
	w.PutU32(uint32(d.g.FWVersion.Minor))
	w.PutU32(uint32(d.g.FWVersion.Hotfix))
	w.PutString(d.g.Family.String())
	return wire.StatusSuccess
}

func (d *Dispatcher) bhv2Plugin() (plugin.BHV2Plugin, wire.Status) {
	bh, ok := d.g.VM.(plugin.BHV2Plugin)
	if !ok {
		return nil, wire.StatusTeeInvalidParams
	}
	return bh, wire.StatusSuccess
}

func (d *Dispatcher) cmdListInstalled(ctx context.Context, r *wire.Reader, w *wire.Writer, sds bool) wire.Status {
	sdHandle := r.U64()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	bh, status := d.bhv2Plugin()
	if status != wire.StatusSuccess {
		return status
	}
	var list []string
	var err error
	if sds {
		list, status, err = bh.ListInstalledSDs(ctx, plugin.Handle(sdHandle))
	} else {
		list, status, err = bh.ListInstalledTAs(ctx, plugin.Handle(sdHandle))
	}
	if err != nil || status != wire.StatusSuccess {
		return status
	}
	w.PutU32(uint32(len(list)))
	for _, u := range list {
		w.PutString(u)
	}
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdCreateSDSession(ctx context.Context, r *wire.Reader, w *wire.Writer) wire.Status {
	sdUUID := r.String()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	bh, status := d.bhv2Plugin()
	if status != wire.StatusSuccess {
		return status
	}
	handle, status, _ := bh.OpenSDSession(ctx, sdUUID)
	if status != wire.StatusSuccess {
		return status
	}
	w.PutU64(uint64(handle))
	return wire.StatusSuccess
}

func (d *Dispatcher) cmdCloseSDSession(ctx context.Context, r *wire.Reader) wire.Status {
	sdHandle := r.U64()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	bh, status := d.bhv2Plugin()
	if status != wire.StatusSuccess {
		return status
	}
	status, _ = bh.CloseSDSession(ctx, plugin.Handle(sdHandle))
	return status
}

func (d *Dispatcher) cmdSendCmdPkg(ctx context.Context, r *wire.Reader) wire.Status {
	sdHandle := r.U64()
	pkg := r.Bytes()
	if r.Err() != nil {
		return wire.StatusInvalidParams
	}
	bh, status := d.bhv2Plugin()
	if status != wire.StatusSuccess {
		return status
	}
	status, _ = bh.SendCmdPkg(ctx, plugin.Handle(sdHandle), pkg)
	return status
}

func (d *Dispatcher) cmdQueryTEEMetadata(ctx context.Context, w *wire.Writer) wire.Status {
	meta, err := d.g.VM.QueryTEEMetadata(ctx)
	if err != nil {
		return wire.StatusTeeInternalError
	}
	w.PutU32(uint32(meta.FWVersion.Major))
	w.PutU32(uint32(meta.FWVersion.Minor))
	w.PutU32(uint32(meta.FWVersion.Hotfix))
	w.PutU32(uint32(meta.Platform))
	w.PutString(meta.PluginType)
	w.PutU32(uint32(meta.APILevel))
	return wire.StatusSuccess
}
