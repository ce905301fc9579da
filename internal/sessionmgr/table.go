package sessionmgr

import (
	"context"
	"sync"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/wire"
)

// AppletSource is the collaboration surface the applet manager provides for
// create-session: candidate blob lookup (BH_V2 version iteration) and the
// lazy shared-session-support query. internal/appletmgr.Manager satisfies
// this without either package importing the other's concrete type.
type AppletSource interface {
	AppletExistsInRepo(uuid string) (path string, isACP bool, ok bool)
	GetAppletBlobs(path string, isACP bool) ([][]byte, error)
	IsSharedSessionSupported(ctx context.Context, uuid string) (bool, wire.Status)
}

// Table is the session table: SessionTable.mutex in the daemon's lock order,
// above only the per-session locks it hands out.
type Table struct {
	mu       sync.Mutex
	sessions map[ids.SessionID]*Session
	byApplet map[string]map[ids.SessionID]struct{}
	seq      int64

	vm       plugin.VmPlugin
	family   plugin.Family
	applets  AppletSource
	resolver procinfo.Resolver
	log      *logging.Logger
}

// NewTable constructs an empty session table bound to one VM plugin/family.
func NewTable(vm plugin.VmPlugin, family plugin.Family, applets AppletSource, resolver procinfo.Resolver, log *logging.Logger) *Table {
	return &Table{
		sessions: make(map[ids.SessionID]*Session),
		byApplet: make(map[string]map[ids.SessionID]struct{}),
		vm:       vm,
		family:   family,
		applets:  applets,
		resolver: resolver,
		log:      logging.With(log, "sessionmgr"),
	}
}

func (t *Table) nextSeqLocked() int64 {
	t.seq++
	return t.seq
}

// Add inserts a new session record. Returns false if the id is already
// present; should not happen with a freshly generated ids.NewSessionID().
func (t *Table) Add(uuid string, handle plugin.Handle, sid ids.SessionID, flags Flags, owner procinfo.Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[sid]; exists {
		return false
	}
	t.sessions[sid] = &Session{
		ID:         sid,
		VMHandle:   handle,
		AppletUUID: uuid,
		Flags:      flags,
		Owners:     []procinfo.Owner{owner},
	}
	t.indexLocked(uuid, sid)
	return true
}

func (t *Table) indexLocked(uuid string, sid ids.SessionID) {
	set, ok := t.byApplet[uuid]
	if !ok {
		set = make(map[ids.SessionID]struct{})
		t.byApplet[uuid] = set
	}
	set[sid] = struct{}{}
}

func (t *Table) deindexLocked(uuid string, sid ids.SessionID) {
	if set, ok := t.byApplet[uuid]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(t.byApplet, uuid)
		}
	}
}

// Remove deletes the session record, its event queue, and its lock (the
// lock simply becomes unreachable; Go's GC reclaims it once every holder has
// released and dropped its reference — see AcquireSessionLock).
func (t *Table) Remove(sid ids.SessionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return false
	}
	if s.EventSink != nil {
		_ = s.EventSink.Close()
	}
	t.deindexLocked(s.AppletUUID, sid)
	delete(t.sessions, sid)
	return true
}

func (t *Table) GetVMHandle(sid ids.SessionID) (plugin.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return 0, false
	}
	return s.VMHandle, true
}

// SessionInfo reports a session's flags and current owner count, for
// GET_SESSION_INFO.
func (t *Table) SessionInfo(sid ids.SessionID) (flags Flags, ownerCount int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[sid]
	if !exists {
		return 0, 0, false
	}
	return s.Flags, len(s.Owners), true
}

// AddOwner appends owner to the session's owner list, bounded by MaxOwners.
func (t *Table) AddOwner(sid ids.SessionID, owner procinfo.Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return false
	}
	if s.hasOwner(owner) >= 0 {
		return true
	}
	if len(s.Owners) >= MaxOwners {
		return false
	}
	s.Owners = append(s.Owners, owner)
	return true
}

// RemoveOwner drops owner from the session's owner list.
func (t *Table) RemoveOwner(sid ids.SessionID, owner procinfo.Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return false
	}
	i := s.hasOwner(owner)
	if i < 0 {
		return false
	}
	s.Owners = append(s.Owners[:i], s.Owners[i+1:]...)
	if len(s.Owners) == 0 && s.Flags.Shared() {
		s.LastUsedNS = t.nextSeqLocked()
	}
	return true
}

func (t *Table) IsOwnerValid(sid ids.SessionID, owner procinfo.Owner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return false
	}
	return s.hasOwner(owner) >= 0
}

func (t *Table) OwnersCount(sid ids.SessionID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return 0, false
	}
	return len(s.Owners), true
}

// GetSharedSession returns the uuid's single shared session, if any.
func (t *Table) GetSharedSession(uuid string) (ids.SessionID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid := range t.byApplet[uuid] {
		if s := t.sessions[sid]; s.Flags.Shared() {
			return sid, true
		}
	}
	return ids.SessionID{}, false
}

// SetEventSink registers sink for session delivery, closing any previous
// sink first. A nil sink drains the pending event queue; shared sessions
// are forbidden from registering at all.
func (t *Table) SetEventSink(sid ids.SessionID, sink Sink) wire.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return wire.StatusInvalidSessionHdl
	}
	if sink != nil && s.Flags.Shared() {
		return wire.StatusEventsNotSupported
	}
	if s.EventSink != nil {
		_ = s.EventSink.Close()
	}
	s.EventSink = sink
	if sink == nil {
		s.EventQueue = nil
	}
	return wire.StatusSuccess
}

func (t *Table) GetEventSink(sid ids.SessionID) (Sink, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return nil, false
	}
	return s.EventSink, true
}

// EnqueueEvent appends ev to the session's bounded queue, signalling its
// sink if registered. A full queue drops the event and counts it rather than
// blocking the listener.
func (t *Table) EnqueueEvent(sid ids.SessionID, ev EventData) bool {
	t.mu.Lock()
	s, ok := t.sessions[sid]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if len(s.EventQueue) >= MaxEventQueue {
		s.DroppedEvents++
		t.mu.Unlock()
		t.log.Warning().Str("session", sid.String()).Log("event queue full, dropping event")
		return false
	}
	s.EventQueue = append(s.EventQueue, ev)
	sink := s.EventSink
	t.mu.Unlock()

	if sink != nil {
		if err := sink.Signal(); err != nil {
			t.log.Warning().Str("session", sid.String()).Err(err).Log("signalling event sink failed")
		}
	}
	return true
}

// DequeueEvent pops the oldest pending event for sid.
func (t *Table) DequeueEvent(sid ids.SessionID) (EventData, wire.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return EventData{}, wire.StatusSessionNotRegistered
	}
	if len(s.EventQueue) == 0 {
		return EventData{}, wire.StatusNoEvents
	}
	ev := s.EventQueue[0]
	s.EventQueue = s.EventQueue[1:]
	return ev, wire.StatusSuccess
}

// AcquireSessionLock locks the session's per_session_lock and returns an
// unlock func, or (nil, false) if the session was concurrently removed. The
// existence re-check after locking is what makes lock acquisition and
// removal race-free without needing a separate generation counter.
func (t *Table) AcquireSessionLock(sid ids.SessionID) (unlock func(), ok bool) {
	t.mu.Lock()
	s, exists := t.sessions[sid]
	t.mu.Unlock()
	if !exists {
		return nil, false
	}

	s.mu.Lock()

	t.mu.Lock()
	_, stillExists := t.sessions[sid]
	t.mu.Unlock()
	if !stillExists {
		s.mu.Unlock()
		return nil, false
	}
	return s.mu.Unlock, true
}

// HasNonSharedSessions implements appletmgr.SessionView.
func (t *Table) HasNonSharedSessions(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasNonSharedSessionsLocked(uuid)
}

func (t *Table) hasNonSharedSessionsLocked(uuid string) bool {
	for sid := range t.byApplet[uuid] {
		if s := t.sessions[sid]; !s.Flags.Shared() && len(s.Owners) > 0 {
			return true
		}
	}
	return false
}

// SessionCount implements appletmgr.SessionView.
func (t *Table) SessionCount(uuid string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byApplet[uuid])
}

// SharedSessionOwnerCount implements appletmgr.SessionView.
func (t *Table) SharedSessionOwnerCount(uuid string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid := range t.byApplet[uuid] {
		if s := t.sessions[sid]; s.Flags.Shared() {
			return len(s.Owners), true
		}
	}
	return 0, false
}

// CloseAllForApplet implements appletmgr.SessionView: force-closes every
// session of uuid, used before the applet's file is replaced or removed.
func (t *Table) CloseAllForApplet(ctx context.Context, uuid string) {
	t.mu.Lock()
	sids := make([]ids.SessionID, 0, len(t.byApplet[uuid]))
	for sid := range t.byApplet[uuid] {
		sids = append(sids, sid)
	}
	t.mu.Unlock()

	for _, sid := range sids {
		t.CloseSession(ctx, sid, nil, true, true)
	}
}

// CloseAllInVM best-effort closes every session in the table, used at reset.
func (t *Table) CloseAllInVM(ctx context.Context) {
	t.mu.Lock()
	sids := make([]ids.SessionID, 0, len(t.sessions))
	for sid := range t.sessions {
		sids = append(sids, sid)
	}
	t.mu.Unlock()

	for _, sid := range sids {
		t.CloseSession(ctx, sid, nil, true, true)
	}
}

// ClearDeadOwners walks every session, dropping owners whose (pid,
// start_time) are stale, removing non-shared sessions that lose their only
// owner this way.
func (t *Table) ClearDeadOwners(ctx context.Context) bool {
	if t.resolver == nil {
		return false
	}

	t.mu.Lock()
	type deadOwner struct {
		sid   ids.SessionID
		owner procinfo.Owner
	}
	var dead []deadOwner
	for sid, s := range t.sessions {
		for _, o := range s.Owners {
			if !procinfo.IsAlive(t.resolver, o) {
				dead = append(dead, deadOwner{sid, o})
			}
		}
	}
	t.mu.Unlock()

	changed := false
	for _, d := range dead {
		if t.RemoveOwner(d.sid, d.owner) {
			changed = true
		}
	}
	if changed {
		t.ClearAbandonedNonShared(ctx)
	}
	return changed
}

// ClearAbandonedNonShared closes every non-shared session whose owner list
// has become empty.
func (t *Table) ClearAbandonedNonShared(ctx context.Context) bool {
	t.mu.Lock()
	var abandoned []ids.SessionID
	for sid, s := range t.sessions {
		if !s.Flags.Shared() && len(s.Owners) == 0 {
			abandoned = append(abandoned, sid)
		}
	}
	t.mu.Unlock()

	for _, sid := range abandoned {
		t.CloseSession(ctx, sid, nil, false, true)
	}
	return len(abandoned) > 0
}

// TryRemoveUnusedShared evicts the least-recently-used shared session with
// zero owners. allowIfHasNonShared, when false, skips applets that still
// have a live non-shared session (keeps the VM-session slot churn away from
// applets with active exclusive users).
func (t *Table) TryRemoveUnusedShared(ctx context.Context, allowIfHasNonShared bool) bool {
	t.mu.Lock()
	var victim ids.SessionID
	var victimSeq int64
	found := false
	for sid, s := range t.sessions {
		if !s.Flags.Shared() || len(s.Owners) != 0 {
			continue
		}
		if !allowIfHasNonShared && t.hasNonSharedSessionsLocked(s.AppletUUID) {
			continue
		}
		if !found || s.LastUsedNS < victimSeq {
			victim, victimSeq, found = sid, s.LastUsedNS, true
		}
	}
	t.mu.Unlock()

	if !found {
		return false
	}
	status := t.CloseSession(ctx, victim, nil, false, true)
	return status == wire.StatusSuccess
}
