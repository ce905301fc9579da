// Package plugin models the opaque operation table implemented by a
// per-VM-family component. On real hardware this is a dynamically loaded
// library; here it is a Go interface, satisfied either by a
// statically-linked VmPlugin (the default, selected by Family) or by one
// loaded at runtime via the stdlib plugin package for genuinely out-of-tree
// plugins.
package plugin

import (
	"context"
	"errors"

	"github.com/joeycumines/go-dal/internal/ids"
	"github.com/joeycumines/go-dal/internal/wire"
)

// Handle is the opaque per-session token returned by CreateSession.
type Handle uint64

// Version is a Major.Minor.Hotfix firmware (or Major.Minor applet) triple.
type Version struct {
	Major, Minor, Hotfix int
}

// Metadata describes the running firmware, queried once at init time.
type Metadata struct {
	FWVersion   Version
	Platform    Platform
	Family      Family
	APILevel    int // sign-once (FW major 11) API level
	PluginType  string
}

// Platform is the firmware platform running the VM (ME, SEC, or CSE).
type Platform int

const (
	PlatformME Platform = iota
	PlatformSEC
	PlatformCSE
)

func (p Platform) String() string {
	switch p {
	case PlatformME:
		return "ME"
	case PlatformSEC:
		return "SEC"
	case PlatformCSE:
		return "CSE"
	default:
		return "UNKNOWN"
	}
}

// SpoolerEvent is one asynchronous event delivered by the in-VM spooler
// applet, destined for a specific (non-spooler) session.
type SpoolerEvent struct {
	TargetSession ids.SessionID
	DataType      uint8
	Data          []byte
}

// VmPlugin is the fixed operation table every VM-family plugin implements.
// All operations may block on the coprocessor transport; the caller treats
// implementations as internally thread-safe.
type VmPlugin interface {
	QueryTEEMetadata(ctx context.Context) (Metadata, error)

	// DownloadApplet installs blob under uuid, returning StatusSuccess,
	// StatusFileIdentical-equivalent (reported via ErrFileIdentical), or
	// StatusMaxInstalledAppletsReach.
	DownloadApplet(ctx context.Context, uuid string, blob []byte) (wire.Status, error)
	UnloadApplet(ctx context.Context, uuid string) (wire.Status, error)

	CreateSession(ctx context.Context, uuid string, initBuf []byte) (Handle, wire.Status, error)
	CloseSession(ctx context.Context, h Handle) (wire.Status, error)
	ForceCloseSession(ctx context.Context, h Handle) (wire.Status, error)

	SendAndReceive(ctx context.Context, h Handle, cmdID uint32, tx []byte, rxLen uint32) (rx []byte, appletRC int32, status wire.Status, err error)

	GetAppletProperty(ctx context.Context, uuid string, tx []byte) (rx []byte, status wire.Status, err error)

	// IsSharedSessionSupported queries an installed applet's manifest for
	// shared-session support; only meaningful on ME/SEC.
	IsSharedSessionSupported(ctx context.Context, uuid string) (bool, error)

	// WaitForSpoolerEvent blocks until the spooler delivers (or faults).
	WaitForSpoolerEvent(ctx context.Context, spooler Handle) (SpoolerEvent, error)
}

// BHV2Plugin extends VmPlugin with the Beihai-V2-only admin operations.
type BHV2Plugin interface {
	VmPlugin

	OpenSDSession(ctx context.Context, sdUUID string) (Handle, wire.Status, error)
	CloseSDSession(ctx context.Context, h Handle) (wire.Status, error)
	SendCmdPkg(ctx context.Context, h Handle, pkg []byte) (wire.Status, error)
	ListInstalledTAs(ctx context.Context, sdHandle Handle) ([]string, wire.Status, error)
	ListInstalledSDs(ctx context.Context, sdHandle Handle) ([]string, wire.Status, error)
}

// ErrFileIdentical signals the applet blob is byte-identical to one already
// installed.
var ErrFileIdentical = errors.New("plugin: applet blob identical to installed version")
