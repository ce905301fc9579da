package sessionmgr

import (
	"context"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/wire"
)

// isRetriableCreateStatus reports whether a CreateSession status from the VM
// means "try the next candidate blob" (BH_V2 multi-version iteration) rather
// than a terminal failure.
func isRetriableCreateStatus(status wire.Status) bool {
	return status == wire.StatusAppletFatal || status == wire.StatusInstallFailed
}

// createInVM opens a fresh VM-level session for uuid. On BH_V2 with a
// multi-version (.dalp) applet installed, it re-derives the candidate blobs
// from the installed file and calls CreateSession up to once per candidate,
// stopping at the first success or non-retriable status. No blob is passed
// to the VM (VmPlugin.CreateSession takes none), so every attempt is the
// same call.
func (t *Table) createInVM(ctx context.Context, uuid string, initBuf []byte) (plugin.Handle, wire.Status, error) {
	if t.family == plugin.FamilyBHV2 && t.applets != nil {
		if path, isACP, ok := t.applets.AppletExistsInRepo(uuid); ok && !isACP {
			if blobs, err := t.applets.GetAppletBlobs(path, isACP); err == nil && len(blobs) > 0 {
				var lastStatus wire.Status = wire.StatusInstallFailed
				var lastErr error
				for range blobs {
					h, status, err := t.vm.CreateSession(ctx, uuid, initBuf)
					if err != nil {
						return h, status, err
					}
					if status == wire.StatusSuccess {
						return h, status, nil
					}
					lastStatus, lastErr = status, err
					if !isRetriableCreateStatus(status) {
						break
					}
				}
				return 0, lastStatus, lastErr
			}
		}
	}
	return t.vm.CreateSession(ctx, uuid, initBuf)
}

// CreateSession implements shared-session coalescing and create-session
// retry discipline together.
func (t *Table) CreateSession(ctx context.Context, uuid string, initBuf []byte, shared bool, owner procinfo.Owner) (ids.SessionID, wire.Status, error) {
	if shared {
		if t.family != plugin.FamilyBHV2 && t.applets != nil {
			supported, status := t.applets.IsSharedSessionSupported(ctx, uuid)
			if status != wire.StatusSuccess {
				return ids.SessionID{}, status, nil
			}
			if !supported {
				return ids.SessionID{}, wire.StatusSharedSessionNotSupported, nil
			}
		}
		if sid, ok := t.GetSharedSession(uuid); ok {
			if t.AddOwner(sid, owner) {
				return sid, wire.StatusSuccess, nil
			}
			return ids.SessionID{}, wire.StatusMaxSharedSessionReached, nil
		}
	}

	handle, status, err := t.createInVM(ctx, uuid, initBuf)
	if status == wire.StatusMaxSessionsReached || status == wire.StatusMaxInstalledAppletsReach {
		if t.TryRemoveUnusedShared(ctx, true) {
			handle, status, err = t.createInVM(ctx, uuid, initBuf)
		}
	}
	if status != wire.StatusSuccess {
		return ids.SessionID{}, status, err
	}

	sid := ids.NewSessionID()
	var flags Flags
	if shared {
		flags |= FlagShared
	}
	if !t.Add(uuid, handle, sid, flags, owner) {
		if _, closeErr := t.vm.CloseSession(ctx, handle); closeErr != nil {
			t.log.Err().Err(closeErr).Log("closing orphaned VM session after id collision failed")
		}
		return ids.SessionID{}, wire.StatusInternalError, nil
	}
	return sid, wire.StatusSuccess, nil
}

// CloseSession implements the close-session decision tree. owner
// nil means "remove unconditionally" (administrative force-close); a non-nil
// owner drops just that owner unless it is the session's last owner on a
// non-shared session, in which case the whole session is removed.
func (t *Table) CloseSession(ctx context.Context, sid ids.SessionID, owner *procinfo.Owner, force, removeFromVM bool) wire.Status {
	t.mu.Lock()
	s, ok := t.sessions[sid]
	if !ok {
		t.mu.Unlock()
		return wire.StatusInvalidSessionHdl
	}

	removeSession := owner == nil
	if !removeSession {
		if s.hasOwner(*owner) < 0 {
			t.mu.Unlock()
			return wire.StatusInternalError
		}
		if len(s.Owners) == 1 && !s.Flags.Shared() {
			removeSession = true
		} else {
			i := s.hasOwner(*owner)
			s.Owners = append(s.Owners[:i], s.Owners[i+1:]...)
			if len(s.Owners) == 0 && s.Flags.Shared() {
				s.LastUsedNS = t.nextSeqLocked()
			}
			t.mu.Unlock()
			return wire.StatusSuccess
		}
	}
	handle := s.VMHandle
	t.mu.Unlock()

	var unlock func()
	if !force {
		u, ok := t.AcquireSessionLock(sid)
		if !ok {
			return wire.StatusInvalidSessionHdl
		}
		unlock = u
	}

	status := wire.StatusSuccess
	if removeFromVM {
		var err error
		if force {
			status, err = t.vm.ForceCloseSession(ctx, handle)
		} else {
			status, err = t.vm.CloseSession(ctx, handle)
		}
		if err != nil {
			t.log.Warning().Str("session", sid.String()).Err(err).Log("VM session close returned an error")
		}
	}

	if status == wire.StatusSuccess || status == wire.StatusAppletFatal {
		t.Remove(sid)
	}
	if unlock != nil {
		unlock()
	}
	return status
}
