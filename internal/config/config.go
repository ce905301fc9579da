// Package config loads and persists the TOML configuration store: applet
// repository path, spooler applet path, plugin library path per VM family,
// transport kind/address, max clients, and log level. The chosen TCP
// address is written back so a client library can discover it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/transport"
)

// File is the on-disk shape of the config store.
type File struct {
	RepoDir         string            `toml:"repo_dir"`
	SpoolerPath     string            `toml:"spooler_path"`
	SpoolerIsACP    bool              `toml:"spooler_is_acp"`
	PluginLibraries map[string]string `toml:"plugin_libraries"` // keyed by Family.String()
	TransportKind   string            `toml:"transport_kind"`
	SocketPath      string            `toml:"socket_path"`
	TCPAddr         string            `toml:"tcp_addr"`
	MaxClients      int64             `toml:"max_clients"`
	LogLevel        string            `toml:"log_level"`
}

// defaultMaxClients matches JHI's historical default connection cap.
const defaultMaxClients = 64

// Load reads and validates the config file at path, filling unset fields
// with their defaults.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if f.MaxClients <= 0 {
		f.MaxClients = defaultMaxClients
	}
	if f.TransportKind == "" {
		f.TransportKind = string(transport.KindUnix)
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.RepoDir == "" {
		return nil, fmt.Errorf("config: %s: repo_dir is required", path)
	}
	if f.SpoolerPath == "" {
		return nil, fmt.Errorf("config: %s: spooler_path is required", path)
	}
	return &f, nil
}

// PluginLibraryDir converts the TOML string-keyed map into a
// plugin.Family-keyed map, silently skipping any key that does not parse as
// a known family (config stays side-effect free).
func (f *File) PluginLibraryDir() map[plugin.Family]string {
	out := make(map[plugin.Family]string, len(f.PluginLibraries))
	for k, v := range f.PluginLibraries {
		if fam, err := plugin.ParseFamily(k); err == nil {
			out[fam] = v
		}
	}
	return out
}

// TransportKindValue parses TransportKind into transport.Kind.
func (f *File) TransportKindValue() transport.Kind {
	return transport.Kind(f.TransportKind)
}

// PersistBoundAddr rewrites just the tcp_addr field of the config file at
// path to addr, so the client library can discover the kernel-assigned port
// after binding ":0". Written via a temp file + rename for atomicity,
// matching the applet repository's own commit discipline.
func PersistBoundAddr(path, addr string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	f.TCPAddr = addr

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("config: encoding updated config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: renaming %s over %s: %w", tmpPath, path, err)
	}
	return nil
}
