package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dald.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
repo_dir = "/var/lib/dald/applets"
spooler_path = "/var/lib/dald/spooler.acp"
spooler_is_acp = true
`)
	f, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, defaultMaxClients, f.MaxClients)
	require.Equal(t, "info", f.LogLevel)
	require.Equal(t, transport.KindUnix, f.TransportKindValue())
}

func TestLoadRejectsMissingRepoDir(t *testing.T) {
	path := writeConfig(t, `spooler_path = "/tmp/spooler.acp"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestPluginLibraryDirParsesKnownFamilies(t *testing.T) {
	path := writeConfig(t, `
repo_dir = "/var/lib/dald/applets"
spooler_path = "/var/lib/dald/spooler.acp"

[plugin_libraries]
BH_V2 = "/usr/lib/dald/bhv2.so"
TL = "/usr/lib/dald/tl.so"
unknown = "/usr/lib/dald/bogus.so"
`)
	f, err := Load(path)
	require.NoError(t, err)
	dirs := f.PluginLibraryDir()
	require.Equal(t, "/usr/lib/dald/bhv2.so", dirs[plugin.FamilyBHV2])
	require.Equal(t, "/usr/lib/dald/tl.so", dirs[plugin.FamilyTL])
	require.Len(t, dirs, 2)
}

func TestPersistBoundAddrRewritesOnlyTCPAddr(t *testing.T) {
	path := writeConfig(t, `
repo_dir = "/var/lib/dald/applets"
spooler_path = "/var/lib/dald/spooler.acp"
transport_kind = "tcp"
tcp_addr = ":0"
`)
	require.NoError(t, PersistBoundAddr(path, "127.0.0.1:54321"))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:54321", f.TCPAddr)
	require.Equal(t, "/var/lib/dald/applets", f.RepoDir)
}
