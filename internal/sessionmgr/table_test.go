package sessionmgr

import (
	"context"
	"testing"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/wire"
	"github.com/stretchr/testify/require"
)

const testApplet = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type fakeVM struct {
	nextHandle  plugin.Handle
	createSeq   []wire.Status
	createN     int
	closed      []plugin.Handle
	forceClosed []plugin.Handle
}

func (f *fakeVM) QueryTEEMetadata(context.Context) (plugin.Metadata, error) { return plugin.Metadata{}, nil }
func (f *fakeVM) DownloadApplet(context.Context, string, []byte) (wire.Status, error) {
	return wire.StatusSuccess, nil
}
func (f *fakeVM) UnloadApplet(context.Context, string) (wire.Status, error) {
	return wire.StatusSuccess, nil
}

func (f *fakeVM) CreateSession(context.Context, string, []byte) (plugin.Handle, wire.Status, error) {
	status := wire.StatusSuccess
	if f.createN < len(f.createSeq) {
		status = f.createSeq[f.createN]
		f.createN++
	}
	if status != wire.StatusSuccess {
		return 0, status, nil
	}
	f.nextHandle++
	return f.nextHandle, wire.StatusSuccess, nil
}

func (f *fakeVM) CloseSession(_ context.Context, h plugin.Handle) (wire.Status, error) {
	f.closed = append(f.closed, h)
	return wire.StatusSuccess, nil
}

func (f *fakeVM) ForceCloseSession(_ context.Context, h plugin.Handle) (wire.Status, error) {
	f.forceClosed = append(f.forceClosed, h)
	return wire.StatusSuccess, nil
}

func (f *fakeVM) SendAndReceive(context.Context, plugin.Handle, uint32, []byte, uint32) ([]byte, int32, wire.Status, error) {
	return nil, 0, wire.StatusSuccess, nil
}
func (f *fakeVM) GetAppletProperty(context.Context, string, []byte) ([]byte, wire.Status, error) {
	return nil, wire.StatusSuccess, nil
}
func (f *fakeVM) IsSharedSessionSupported(context.Context, string) (bool, error) { return true, nil }
func (f *fakeVM) WaitForSpoolerEvent(context.Context, plugin.Handle) (plugin.SpoolerEvent, error) {
	return plugin.SpoolerEvent{}, context.Canceled
}

type fakeApplets struct {
	sharedSupported bool
	sharedStatus    wire.Status
}

func (a *fakeApplets) AppletExistsInRepo(string) (string, bool, bool) { return "", false, false }
func (a *fakeApplets) GetAppletBlobs(string, bool) ([][]byte, error)  { return nil, nil }
func (a *fakeApplets) IsSharedSessionSupported(context.Context, string) (bool, wire.Status) {
	status := a.sharedStatus
	if status == 0 {
		status = wire.StatusSuccess
	}
	return a.sharedSupported, status
}

type fakeResolver struct {
	alive map[int32]uint64
}

func (r *fakeResolver) StartTime(pid int32) (uint64, bool) {
	st, ok := r.alive[pid]
	return st, ok
}

func newTestTable(family plugin.Family, vm *fakeVM, applets AppletSource, resolver procinfo.Resolver) *Table {
	return NewTable(vm, family, applets, resolver, logging.Default())
}

func owner(pid int32) procinfo.Owner { return procinfo.Owner{PID: pid, StartTime: 1} }

func TestCreateSessionNonShared(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)

	sid, status, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.NotEqual(t, ids.SessionID{}, sid)

	h, ok := tb.GetVMHandle(sid)
	require.True(t, ok)
	require.Equal(t, plugin.Handle(1), h)
}

func TestCreateSharedSessionCoalesces(t *testing.T) {
	vm := &fakeVM{}
	applets := &fakeApplets{sharedSupported: true}
	tb := newTestTable(plugin.FamilyTL, vm, applets, nil)

	sid1, status, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(1))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)

	sid2, status, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(2))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.Equal(t, sid1, sid2, "second shared create must coalesce onto the same session")

	count, ok := tb.OwnersCount(sid1)
	require.True(t, ok)
	require.Equal(t, 2, count)
}

func TestCreateSharedSessionUnsupported(t *testing.T) {
	vm := &fakeVM{}
	applets := &fakeApplets{sharedSupported: false}
	tb := newTestTable(plugin.FamilyTL, vm, applets, nil)

	_, status, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(1))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSharedSessionNotSupported, status)
}

func TestCreateSessionRetriesAfterEvictingUnusedShared(t *testing.T) {
	vm := &fakeVM{}
	applets := &fakeApplets{sharedSupported: true}
	tb := newTestTable(plugin.FamilyTL, vm, applets, nil)

	// an existing shared session with zero owners should be evicted to make room.
	sid, status, err := tb.CreateSession(context.Background(), "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", nil, true, owner(1))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.True(t, tb.RemoveOwner(sid, owner(1)))

	vm.createSeq = []wire.Status{wire.StatusMaxSessionsReached}
	_, status, err = tb.CreateSession(context.Background(), testApplet, nil, false, owner(2))
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.Len(t, vm.closed, 1, "the unused shared session should have been closed to free a slot")
}

func TestAddOwnerBoundedByI2(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{sharedSupported: true}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(0))
	require.NoError(t, err)

	for i := int32(1); i < MaxOwners; i++ {
		require.True(t, tb.AddOwner(sid, owner(i)))
	}
	require.False(t, tb.AddOwner(sid, owner(999)))

	count, ok := tb.OwnersCount(sid)
	require.True(t, ok)
	require.Equal(t, MaxOwners, count)
}

func TestCloseSessionLastOwnerNonSharedRemoves(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	o := owner(1)
	status := tb.CloseSession(context.Background(), sid, &o, false, true)
	require.Equal(t, wire.StatusSuccess, status)

	_, ok := tb.GetVMHandle(sid)
	require.False(t, ok)
	require.Len(t, vm.closed, 1)
}

func TestCloseSessionSharedDropsOwnerOnly(t *testing.T) {
	vm := &fakeVM{}
	applets := &fakeApplets{sharedSupported: true}
	tb := newTestTable(plugin.FamilyTL, vm, applets, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(1))
	require.NoError(t, err)
	require.True(t, tb.AddOwner(sid, owner(2)))

	o := owner(1)
	status := tb.CloseSession(context.Background(), sid, &o, false, true)
	require.Equal(t, wire.StatusSuccess, status)

	count, ok := tb.OwnersCount(sid)
	require.True(t, ok, "shared session must survive losing one of several owners")
	require.Equal(t, 1, count)
	require.Empty(t, vm.closed)
}

func TestCloseSessionForceSkipsOwnerCheck(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	status := tb.CloseSession(context.Background(), sid, nil, true, true)
	require.Equal(t, wire.StatusSuccess, status)
	require.Len(t, vm.forceClosed, 1)

	_, ok := tb.GetVMHandle(sid)
	require.False(t, ok)
}

func TestEventQueueBoundedAndDropsCounted(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	for i := 0; i < MaxEventQueue; i++ {
		require.True(t, tb.EnqueueEvent(sid, EventData{DataType: 1, Data: []byte{byte(i)}}))
	}
	require.False(t, tb.EnqueueEvent(sid, EventData{DataType: 1, Data: []byte{0xFF}}))

	tb.mu.Lock()
	dropped := tb.sessions[sid].DroppedEvents
	tb.mu.Unlock()
	require.Equal(t, uint64(1), dropped)

	ev, status := tb.DequeueEvent(sid)
	require.Equal(t, wire.StatusSuccess, status)
	require.Equal(t, []byte{0}, ev.Data)
}

func TestDequeueEventNoEvents(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	_, status := tb.DequeueEvent(sid)
	require.Equal(t, wire.StatusNoEvents, status)
}

func TestSetEventSinkRejectsSharedSession(t *testing.T) {
	vm := &fakeVM{}
	applets := &fakeApplets{sharedSupported: true}
	tb := newTestTable(plugin.FamilyTL, vm, applets, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, true, owner(1))
	require.NoError(t, err)

	status := tb.SetEventSink(sid, &noopSink{})
	require.Equal(t, wire.StatusEventsNotSupported, status)
}

type noopSink struct{ closed bool }

func (s *noopSink) Signal() error { return nil }
func (s *noopSink) Close() error  { s.closed = true; return nil }

func TestSetEventSinkClosesPrevious(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)
	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	first := &noopSink{}
	require.Equal(t, wire.StatusSuccess, tb.SetEventSink(sid, first))
	require.Equal(t, wire.StatusSuccess, tb.SetEventSink(sid, &noopSink{}))
	require.True(t, first.closed)
}

func TestClearDeadOwnersRemovesAbandonedSession(t *testing.T) {
	vm := &fakeVM{}
	resolver := &fakeResolver{alive: map[int32]uint64{}}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, resolver)

	sid, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(7))
	require.NoError(t, err)

	changed := tb.ClearDeadOwners(context.Background())
	require.True(t, changed)

	_, ok := tb.GetVMHandle(sid)
	require.False(t, ok)
}

func TestHasNonSharedSessionsAndSessionCount(t *testing.T) {
	vm := &fakeVM{}
	tb := newTestTable(plugin.FamilyTL, vm, &fakeApplets{}, nil)

	require.False(t, tb.HasNonSharedSessions(testApplet))
	require.Equal(t, 0, tb.SessionCount(testApplet))

	_, _, err := tb.CreateSession(context.Background(), testApplet, nil, false, owner(1))
	require.NoError(t, err)

	require.True(t, tb.HasNonSharedSessions(testApplet))
	require.Equal(t, 1, tb.SessionCount(testApplet))
}
