// Package globals implements the process-wide lifecycle state machine,
// plugin handle, and the reader/writer discipline every command acquires
// before reaching the applet manager, session table, or event dispatcher.
package globals

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/go-dal/internal/appletmgr"
	"github.com/joeycumines/go-dal/internal/eventdispatch"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/procinfo"
	"github.com/joeycumines/go-dal/internal/sessionmgr"
	"github.com/joeycumines/go-dal/internal/wire"
)

// State is the process-wide lifecycle state machine.
type State int

const (
	StateStopped State = iota
	StateInitialized
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateInitialized:
		return "INITIALIZED"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Config is everything Globals needs to discover and load a plugin, fully
// resolved by internal/config before Init is called.
type Config struct {
	RepoDir          string
	SpoolerBlobPath  string
	SpoolerIsACP     bool
	PluginLibraryDir map[plugin.Family]string
	TransportPath    string
}

// Globals owns the lifecycle state machine and the subsystems it wires
// together once INITIALIZED.
type Globals struct {
	mu    sync.RWMutex
	cond  *sync.Cond
	state State

	cfg Config
	log *logging.Logger

	VM         plugin.VmPlugin
	Family     plugin.Family
	FWVersion  plugin.Version
	Applets    *appletmgr.Manager
	Sessions   *sessionmgr.Table
	Dispatcher *eventdispatch.Dispatcher
}

// New constructs an uninitialized Globals in StateStopped.
func New(cfg Config, log *logging.Logger) *Globals {
	g := &Globals{cfg: cfg, log: logging.With(log, "globals")}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AcquireReader takes the read side of the init lock, lazily running Init
// if the state is STOPPED.
func (g *Globals) AcquireReader(ctx context.Context) (unlock func(), status wire.Status) {
	g.mu.RLock()
	if g.state == StateInitialized {
		return g.mu.RUnlock, wire.StatusSuccess
	}
	g.mu.RUnlock()

	g.mu.Lock()
	if g.state == StateStopped {
		if err := g.initLocked(ctx); err != nil {
			g.mu.Unlock()
			g.log.Err().Err(err).Log("deferred init failed")
			return nil, wire.StatusServiceUnavailable
		}
	}
	if g.state != StateInitialized {
		g.mu.Unlock()
		return nil, wire.StatusServiceUnavailable
	}
	// downgrade: release the writer lock and re-acquire as reader. Another
	// writer (e.g. Reset) can run in the gap between the two, so the state
	// is checked again under the reader lock.
	g.mu.Unlock()
	g.mu.RLock()
	if g.state != StateInitialized {
		g.mu.RUnlock()
		return nil, wire.StatusServiceUnavailable
	}
	return g.mu.RUnlock, wire.StatusSuccess
}

// Init runs the cold-start sequence under the writer lock (exported for
// cmd/dald to force eager initialization at startup).
func (g *Globals) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initLocked(ctx)
}

func (g *Globals) initLocked(ctx context.Context) error {
	if g.state == StateInitialized {
		return nil
	}

	vm, err := plugin.Load(plugin.FamilyBHV2, g.cfg.TransportPath, g.cfg.PluginLibraryDir[plugin.FamilyBHV2])
	if err != nil {
		return fmt.Errorf("globals: loading initial plugin: %w", err)
	}
	meta, err := vm.QueryTEEMetadata(ctx)
	if err != nil {
		return fmt.Errorf("globals: querying TEE metadata: %w", err)
	}

	family := plugin.DetectFamily(meta.FWVersion, meta.Platform)
	if family != plugin.FamilyBHV2 {
		if path, ok := g.cfg.PluginLibraryDir[family]; ok {
			vm, err = plugin.Load(family, g.cfg.TransportPath, path)
			if err != nil {
				return fmt.Errorf("globals: loading %s plugin: %w", family, err)
			}
		}
	}

	applets := appletmgr.NewManager(g.cfg.RepoDir, vm, family, nil, g.log)
	if err := applets.Recover(); err != nil {
		return fmt.Errorf("globals: recovering applet repository: %w", err)
	}
	applets.SetRuntimeMetadata(meta)

	sessions := sessionmgr.NewTable(vm, family, applets, procinfo.LinuxResolver{}, g.log)
	applets.SetSessionView(sessions)

	spoolerBlob, err := loadSpoolerBlob(g.cfg.SpoolerBlobPath)
	if err != nil {
		return fmt.Errorf("globals: loading spooler blob: %w", err)
	}
	dispatcher := eventdispatch.New(vm, applets, sessions, spoolerBlob, g.cfg.SpoolerIsACP, g.log)
	dispatcher.OnFatal = func() { go g.Reset(context.Background()) }
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("globals: starting event dispatcher: %w", err)
	}

	g.VM = vm
	g.Family = family
	g.FWVersion = meta.FWVersion
	g.Applets = applets
	g.Sessions = sessions
	g.Dispatcher = dispatcher
	g.state = StateInitialized
	g.log.Notice().Str("family", family.String()).Log("initialized")
	return nil
}

// Reset implements global_reset: best-effort close of every VM session,
// plugin unload, table reset, and a one-shot "reset complete" signal for
// anyone blocked in Shutdown.
func (g *Globals) Reset(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateStopped {
		return
	}
	g.state = StateStopping
	g.log.Warning().Log("resetting after spooler fault")

	if g.Dispatcher != nil {
		g.Dispatcher.Stop()
	}
	if g.Sessions != nil {
		g.Sessions.CloseAllInVM(ctx)
	}

	g.VM = nil
	g.Applets = nil
	g.Sessions = nil
	g.Dispatcher = nil
	g.state = StateStopped
	g.cond.Broadcast()
}

// Shutdown runs the graceful shutdown sequence, blocking until any
// concurrent Reset completes.
func (g *Globals) Shutdown(ctx context.Context) {
	g.mu.Lock()
	for g.state == StateStopping {
		g.cond.Wait()
	}
	if g.state == StateStopped {
		g.mu.Unlock()
		return
	}
	g.state = StateStopping
	g.mu.Unlock()

	g.Reset(ctx)
}

// State returns the current lifecycle state. Once STOPPED, no command is
// admitted until the next lazy re-init.
func (g *Globals) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func loadSpoolerBlob(path string) ([]byte, error) {
	return os.ReadFile(path)
}
