package globals

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/wire"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	repoDir := t.TempDir()
	blobPath := filepath.Join(t.TempDir(), "spooler.dalp")
	require.NoError(t, os.WriteFile(blobPath, []byte("spooler-blob"), 0o644))
	return Config{
		RepoDir:          repoDir,
		SpoolerBlobPath:  blobPath,
		SpoolerIsACP:     true,
		PluginLibraryDir: map[plugin.Family]string{},
	}
}

func TestInitBringsUpInitializedState(t *testing.T) {
	g := New(testConfig(t), logging.Default())
	require.Equal(t, StateStopped, g.State())

	require.NoError(t, g.Init(context.Background()))
	require.Equal(t, StateInitialized, g.State())
	require.NotNil(t, g.VM)
	require.NotNil(t, g.Applets)
	require.NotNil(t, g.Sessions)
	require.NotNil(t, g.Dispatcher)

	g.Shutdown(context.Background())
	require.Equal(t, StateStopped, g.State())
}

func TestAcquireReaderLazilyInitializes(t *testing.T) {
	g := New(testConfig(t), logging.Default())

	unlock, status := g.AcquireReader(context.Background())
	require.Equal(t, wire.StatusSuccess, status)
	require.NotNil(t, unlock)
	require.Equal(t, StateInitialized, g.State())
	unlock()

	g.Shutdown(context.Background())
}

func TestResetReturnsToStopped(t *testing.T) {
	g := New(testConfig(t), logging.Default())
	require.NoError(t, g.Init(context.Background()))

	g.Reset(context.Background())
	require.Equal(t, StateStopped, g.State())

	// Reset is idempotent once already STOPPED.
	g.Reset(context.Background())
	require.Equal(t, StateStopped, g.State())
}
