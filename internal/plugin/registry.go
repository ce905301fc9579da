package plugin

import (
	"fmt"
	goplugin "plugin"
)

// Factory constructs a VmPlugin for one Family, given the path to the
// transport/emulation endpoint (a HECI device node, a Unix socket for
// emulation, or similar).
type Factory func(transportPath string) (VmPlugin, error)

// staticRegistry holds the built-in, statically-linked VmPlugin factories,
// selected by Family, an enum discovered at init time, in preference to
// dynamic loading.
var staticRegistry = map[Family]Factory{}

// Register adds (or replaces) the factory for family. Called from an init()
// in each concrete plugin implementation's file.
func Register(family Family, f Factory) {
	staticRegistry[family] = f
}

// Load returns the VmPlugin for family, either from the static registry, or
// — if libraryPath is set and no static factory is registered — by loading
// an out-of-tree dynamic plugin via the stdlib plugin package. Out-of-tree
// loading is a last resort: no third-party dlopen-equivalent library
// appears anywhere in the reference corpus (DESIGN.md).
func Load(family Family, transportPath, libraryPath string) (VmPlugin, error) {
	if f, ok := staticRegistry[family]; ok {
		return f(transportPath)
	}
	if libraryPath == "" {
		return nil, fmt.Errorf("plugin: no static plugin registered for family %s and no library path configured", family)
	}
	return loadDynamic(libraryPath, transportPath)
}

// pluginEntryPoint is the symbol every out-of-tree dynamic plugin must
// export: a func(transportPath string) (VmPlugin, error).
const pluginEntryPoint = "NewVmPlugin"

func loadDynamic(libraryPath, transportPath string) (VmPlugin, error) {
	p, err := goplugin.Open(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: loading %s: %w", libraryPath, err)
	}
	sym, err := p.Lookup(pluginEntryPoint)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s missing %s: %w", libraryPath, pluginEntryPoint, err)
	}
	ctor, ok := sym.(func(string) (VmPlugin, error))
	if !ok {
		return nil, fmt.Errorf("plugin: %s exports %s with the wrong signature", libraryPath, pluginEntryPoint)
	}
	return ctor(transportPath)
}
