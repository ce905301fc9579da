// Package appletmgr implements applet install/uninstall, the on-disk
// repository, and the in-memory applet table.
package appletmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/pkgreader"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/wire"
)

// AppletStatus is the public view of one applet record.
type AppletStatus struct {
	Exists  bool
	Status  Status
	Visible bool
}

// SessionView is the collaboration surface the session manager provides to
// the applet manager, so that install/uninstall can perform the session and
// eviction housekeeping without appletmgr depending on sessionmgr's
// concrete types.
type SessionView interface {
	// HasNonSharedSessions reports a live, owned, non-shared session for uuid.
	HasNonSharedSessions(uuid string) bool
	// CloseAllForApplet force-closes every VM session belonging to uuid.
	CloseAllForApplet(ctx context.Context, uuid string)
	// SessionCount reports how many sessions (shared or not) uuid currently
	// has open, used to find an eviction candidate with zero sessions.
	SessionCount(uuid string) int
	// SharedSessionOwnerCount reports the owner count of uuid's single shared
	// session, and whether one exists at all.
	SharedSessionOwnerCount(uuid string) (count int, hasShared bool)
	// ClearDeadOwners drops owners whose process has died, removing any
	// non-shared session that loses its only owner this way.
	ClearDeadOwners(ctx context.Context) bool
	// ClearAbandonedNonShared closes every non-shared session whose owner
	// list has become empty.
	ClearAbandonedNonShared(ctx context.Context) bool
}

// Manager owns the in-memory applet table (AppletTable.mutex, last in the
// daemon's lock order) and the on-disk repository.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record

	repo     *Repo
	plugin   plugin.VmPlugin
	family   plugin.Family
	sessions SessionView
	log      *logging.Logger

	fw       plugin.Version
	platform plugin.Platform
	apiLevel int
}

// NewManager constructs a Manager over repoDir, talking to vm for
// installs/uninstalls/shared-session queries on the given VM family.
// sessions may be nil and supplied later via SetSessionView, since the
// session table itself takes the Manager as its AppletSource.
func NewManager(repoDir string, vm plugin.VmPlugin, family plugin.Family, sessions SessionView, log *logging.Logger) *Manager {
	return &Manager{
		records:  make(map[string]*Record),
		repo:     NewRepo(repoDir),
		plugin:   vm,
		family:   family,
		sessions: sessions,
		log:      logging.With(log, "appletmgr"),
	}
}

// SetSessionView wires the session manager in after both have been
// constructed, breaking the appletmgr/sessionmgr construction cycle.
func (m *Manager) SetSessionView(sessions SessionView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
}

// SetRuntimeMetadata records the running firmware's version/platform/API
// level, consulted by Install for .dalp candidate selection.
func (m *Manager) SetRuntimeMetadata(meta plugin.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fw = meta.FWVersion
	m.platform = meta.Platform
	m.apiLevel = meta.APILevel
}

// Recover scans the repository directory at startup, populating the applet
// table with INSTALLED records for every <uuid>.dalp/<uuid>.acp file found.
// Orphaned PENDING-* files are removed by Repo.Scan, never adopted.
func (m *Manager) Recover() error {
	entries, err := m.repo.Scan()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.records[e.UUID] = &Record{
			UUID:    e.UUID,
			Status:  StatusInstalled,
			Visible: e.UUID != ids.SpoolerUUID,
			Path:    e.Path,
			IsACP:   e.IsACP,
		}
	}
	return nil
}

func extFor(isACP bool) string {
	if isACP {
		return ".acp"
	}
	return ".dalp"
}

// Install validates, copies, and commits an applet blob for a file already
// on disk.
func (m *Manager) Install(ctx context.Context, uuid, filePath string, visible, isACP bool) (wire.Status, error) {
	uuid, status := m.validateInstallUUID(uuid)
	if status != wire.StatusSuccess {
		return status, nil
	}
	if filepath.Ext(filePath) != extFor(isACP) {
		return wire.StatusFileInvalid, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return wire.StatusFileNotFound, nil
	}

	if status := m.checkReplaceable(ctx, uuid); status != wire.StatusSuccess {
		return status, nil
	}

	if _, err := m.repo.CopyToPending(uuid, filePath, isACP); err != nil {
		return wire.StatusFileErrorCopy, err
	}
	return m.finishInstall(ctx, uuid, data, visible, isACP)
}

// InstallFromBuffer implements the same algorithm for an in-memory blob.
func (m *Manager) InstallFromBuffer(ctx context.Context, uuid string, blob []byte, visible, isACP bool) (wire.Status, error) {
	uuid, status := m.validateInstallUUID(uuid)
	if status != wire.StatusSuccess {
		return status, nil
	}
	if status := m.checkReplaceable(ctx, uuid); status != wire.StatusSuccess {
		return status, nil
	}
	if _, err := m.repo.BufferToPending(uuid, blob, isACP); err != nil {
		return wire.StatusFileErrorCopy, err
	}
	return m.finishInstall(ctx, uuid, blob, visible, isACP)
}

// InstallSpooler installs the built-in spooler applet from an in-memory
// blob, bypassing the public-API reserved-UUID rejection that every other
// install path enforces: if unknown to the applet manager, it is installed
// silently. The record is always created with Visible=false.
func (m *Manager) InstallSpooler(ctx context.Context, blob []byte, isACP bool) (wire.Status, error) {
	uuid := ids.SpoolerUUID
	if status := m.checkReplaceable(ctx, uuid); status != wire.StatusSuccess {
		return status, nil
	}
	if _, err := m.repo.BufferToPending(uuid, blob, isACP); err != nil {
		return wire.StatusFileErrorCopy, err
	}
	return m.finishInstall(ctx, uuid, blob, false, isACP)
}

func (m *Manager) validateInstallUUID(uuid string) (string, wire.Status) {
	norm, err := ids.NormalizeAppletUUID(uuid)
	if err != nil || norm == ids.SpoolerUUID {
		return "", wire.StatusInvalidAppletGUID
	}
	return norm, wire.StatusSuccess
}

// checkReplaceable implements step 3: abort the install if a non-shared
// session of this applet is still open, since replacing its file out from
// under a live session would corrupt that session's state. It first runs
// the owner-death GC pass, so a session whose only owner already crashed
// does not spuriously block reinstall/uninstall.
func (m *Manager) checkReplaceable(ctx context.Context, uuid string) wire.Status {
	if m.sessions != nil {
		m.sessions.ClearDeadOwners(ctx)
		m.sessions.ClearAbandonedNonShared(ctx)
		if m.sessions.HasNonSharedSessions(uuid) {
			return wire.StatusInstallFailureSessions
		}
	}
	return wire.StatusSuccess
}

// finishInstall runs steps 4-8 once the PENDING file has been written: it
// records a PENDING_INSTALL applet, selects candidate blobs, downloads them
// into the VM with the FILE_IDENTICAL/MAX_INSTALLED_APPLETS_REACHED retry
// rules, then commits or rolls back the on-disk file and the record.
func (m *Manager) finishInstall(ctx context.Context, uuid string, data []byte, visible, isACP bool) (wire.Status, error) {
	m.mu.Lock()
	m.records[uuid] = &Record{UUID: uuid, Status: StatusPendingInstall, Visible: visible, IsACP: isACP}
	m.mu.Unlock()

	candidates, err := m.candidateBlobs(data, isACP)
	if err != nil || len(candidates) == 0 {
		m.rollbackInstall(ctx, uuid, isACP)
		return wire.StatusFileInvalid, err
	}

	status, err := m.downloadCandidates(ctx, uuid, candidates)
	if status != wire.StatusSuccess {
		m.rollbackInstall(ctx, uuid, isACP)
		return status, err
	}

	finalPath, err := m.repo.Commit(uuid, isACP)
	if err != nil {
		m.rollbackInstall(ctx, uuid, isACP)
		return wire.StatusInstallFailed, err
	}

	m.mu.Lock()
	if rec, ok := m.records[uuid]; ok {
		rec.Status = StatusInstalled
		rec.Path = finalPath
	}
	m.mu.Unlock()
	return wire.StatusSuccess, nil
}

func (m *Manager) candidateBlobs(data []byte, isACP bool) ([][]byte, error) {
	if isACP {
		return [][]byte{data}, nil
	}
	m.mu.Lock()
	fw, platform, apiLevel := m.fw, m.platform, m.apiLevel
	m.mu.Unlock()
	return pkgreader.Select(data, fw, platform, apiLevel)
}

// downloadCandidates implements step 6, trying each candidate blob in order.
func (m *Manager) downloadCandidates(ctx context.Context, uuid string, candidates [][]byte) (wire.Status, error) {
	var last wire.Status = wire.StatusInstallFailed
	for _, blob := range candidates {
		status, err := m.downloadOne(ctx, uuid, blob)
		if err != nil {
			return status, err
		}
		if status == wire.StatusSuccess {
			return wire.StatusSuccess, nil
		}
		last = status
	}
	return last, nil
}

// downloadOne tries a single blob, applying the FILE_IDENTICAL single-retry
// and MAX_INSTALLED_APPLETS_REACHED eviction-then-retry rules.
func (m *Manager) downloadOne(ctx context.Context, uuid string, blob []byte) (wire.Status, error) {
	status, err := m.plugin.DownloadApplet(ctx, uuid, blob)
	switch {
	case errors.Is(err, plugin.ErrFileIdentical):
		if _, unloadErr := m.plugin.UnloadApplet(ctx, uuid); unloadErr != nil {
			m.log.Err().Err(unloadErr).Str("uuid", uuid).Log("unload before identical-blob retry failed")
		}
		status, err = m.plugin.DownloadApplet(ctx, uuid, blob)
		if errors.Is(err, plugin.ErrFileIdentical) {
			// a second consecutive FILE_IDENTICAL is terminal, not a loop.
			return wire.StatusInstallFailed, nil
		}
		return status, err

	case status == wire.StatusMaxInstalledAppletsReach:
		if _, ok := m.evictOneUnused(ctx, uuid); !ok {
			return status, nil
		}
		return m.plugin.DownloadApplet(ctx, uuid, blob)

	default:
		return status, err
	}
}

// evictOneUnused implements the eviction side of step 6 and unload_one_unused:
// the applet manager owns the universe of installed applets, so it picks the
// victim itself — first an applet with zero sessions, else a shared-session
// applet whose session has no owners — consulting the session manager only
// for per-applet session/owner counts.
func (m *Manager) evictOneUnused(ctx context.Context, excludeUUID string) (string, bool) {
	if m.sessions == nil {
		return "", false
	}

	m.mu.Lock()
	candidates := make([]string, 0, len(m.records))
	for uuid, rec := range m.records {
		if uuid != excludeUUID && rec.Status == StatusInstalled {
			candidates = append(candidates, uuid)
		}
	}
	m.mu.Unlock()
	sort.Strings(candidates)

	victim := ""
	for _, uuid := range candidates {
		if m.sessions.SessionCount(uuid) == 0 {
			victim = uuid
			break
		}
	}
	if victim == "" {
		for _, uuid := range candidates {
			if owners, hasShared := m.sessions.SharedSessionOwnerCount(uuid); hasShared && owners == 0 {
				victim = uuid
				break
			}
		}
	}
	if victim == "" {
		return "", false
	}

	m.sessions.CloseAllForApplet(ctx, victim)
	if _, err := m.plugin.UnloadApplet(ctx, victim); err != nil {
		m.log.Warning().Err(err).Str("uuid", victim).Log("unload of evicted applet failed")
	}
	if err := m.repo.RemoveFinal(victim); err != nil {
		m.log.Warning().Err(err).Str("uuid", victim).Log("removing evicted applet file failed")
	}
	m.mu.Lock()
	delete(m.records, victim)
	m.mu.Unlock()
	return victim, true
}

// rollbackInstall implements step 8: remove the pending file, unload uuid
// from the VM (always attempted; a failure is only logged), and drop the
// record if it is still PENDING_INSTALL.
func (m *Manager) rollbackInstall(ctx context.Context, uuid string, isACP bool) {
	m.repo.RemovePending(uuid, isACP)
	if _, err := m.plugin.UnloadApplet(ctx, uuid); err != nil {
		m.log.Debug().Err(err).Str("uuid", uuid).Log("unload during install rollback failed")
	}
	m.mu.Lock()
	if rec, ok := m.records[uuid]; ok && rec.Status == StatusPendingInstall {
		delete(m.records, uuid)
	}
	m.mu.Unlock()
}

// Uninstall unloads uuid from the VM and removes its on-disk file and
// record. It aborts with INSTALL_FAILURE_SESSIONS_EXISTS if a non-shared
// session is still open, mirroring the install-time housekeeping check.
// APPLET_NOT_INSTALLED from the VM is only tolerated on BH_V2 (an applet
// the VM never loaded can still have a stale on-disk/record entry); every
// other family treats it as a hard error.
func (m *Manager) Uninstall(ctx context.Context, uuid string) (wire.Status, error) {
	uuid, err := ids.NormalizeAppletUUID(uuid)
	if err != nil || uuid == ids.SpoolerUUID {
		return wire.StatusInvalidAppletGUID, nil
	}

	m.mu.Lock()
	rec, ok := m.records[uuid]
	m.mu.Unlock()
	if !ok {
		return wire.StatusAppletNotInstalled, nil
	}

	if status := m.checkReplaceable(ctx, uuid); status != wire.StatusSuccess {
		return status, nil
	}
	if m.sessions != nil {
		m.sessions.CloseAllForApplet(ctx, uuid)
	}

	status, unloadErr := m.plugin.UnloadApplet(ctx, uuid)
	tolerateNotInstalled := status == wire.StatusAppletNotInstalled && m.family == plugin.FamilyBHV2
	if status != wire.StatusSuccess && !tolerateNotInstalled {
		return status, unloadErr
	}

	if err := m.repo.RemoveFinal(uuid); err != nil {
		return wire.StatusInstallFailed, err
	}

	m.mu.Lock()
	delete(m.records, uuid)
	m.mu.Unlock()
	_ = rec
	return wire.StatusSuccess, nil
}

// GetAppletState returns the public view of one applet's record.
func (m *Manager) GetAppletState(uuid string) AppletStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[uuid]
	if !ok {
		return AppletStatus{}
	}
	return AppletStatus{Exists: true, Status: rec.Status, Visible: rec.Visible}
}

// AppletExistsInRepo reports the on-disk path and format of an installed
// applet, used by the session manager to (re-)obtain candidate blobs.
func (m *Manager) AppletExistsInRepo(uuid string) (path string, isACP bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.records[uuid]
	if !exists || rec.Status != StatusInstalled {
		return "", false, false
	}
	return rec.Path, rec.IsACP, true
}

// GetAppletBlobs re-derives the ordered candidate blob list for an installed
// applet's on-disk file, for use by a create-session retry loop.
func (m *Manager) GetAppletBlobs(path string, isACP bool) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return m.candidateBlobs(data, isACP)
}

// IsSharedSessionSupported answers from a cached record field if known,
// otherwise queries the VM once, lazily, on the first shared-session
// request, and caches the result.
func (m *Manager) IsSharedSessionSupported(ctx context.Context, uuid string) (bool, wire.Status) {
	m.mu.Lock()
	rec, ok := m.records[uuid]
	if ok && rec.SharedSessionSupportKnown {
		supported := rec.SharedSessionSupported
		m.mu.Unlock()
		return supported, wire.StatusSuccess
	}
	m.mu.Unlock()
	if !ok {
		return false, wire.StatusAppletNotInstalled
	}

	supported, err := m.plugin.IsSharedSessionSupported(ctx, uuid)
	if err != nil {
		return false, wire.StatusInternalError
	}

	m.mu.Lock()
	if rec, ok := m.records[uuid]; ok {
		rec.SharedSessionSupported = supported
		rec.SharedSessionSupportKnown = true
	}
	m.mu.Unlock()
	return supported, wire.StatusSuccess
}

// UnloadOneUnused is the public entry point for pre-emptively freeing a
// slot, separate from the implicit eviction Install performs on
// MAX_INSTALLED_APPLETS_REACHED.
func (m *Manager) UnloadOneUnused(ctx context.Context) bool {
	_, ok := m.evictOneUnused(ctx, "")
	return ok
}
