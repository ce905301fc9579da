package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-dal/internal/globals"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/plugin"
	"github.com/joeycumines/go-dal/internal/wire"
)

const testAppletUUID = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	repoDir := t.TempDir()
	blobPath := filepath.Join(t.TempDir(), "spooler.acp")
	require.NoError(t, os.WriteFile(blobPath, []byte("spooler-blob"), 0o644))

	cfg := globals.Config{
		RepoDir:          repoDir,
		SpoolerBlobPath:  blobPath,
		SpoolerIsACP:     true,
		PluginLibraryDir: map[plugin.Family]string{},
	}
	g := globals.New(cfg, logging.Default())
	require.NoError(t, g.Init(context.Background()))
	t.Cleanup(func() { g.Shutdown(context.Background()) })
	return New(g, logging.Default())
}

func buildInstallPayload(t *testing.T, uuidStr, path string) []byte {
	t.Helper()
	w := &wire.Writer{}
	w.PutString(uuidStr)
	w.PutString(path)
	return w.Bytes()
}

func TestCmdInstallAndUninstall(t *testing.T) {
	d := newTestDispatcher(t)

	appletPath := filepath.Join(t.TempDir(), "applet.acp")
	require.NoError(t, os.WriteFile(appletPath, []byte("applet-blob"), 0o644))

	status, _ := d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdInstall,
		Payload: buildInstallPayload(t, testAppletUUID, appletPath),
	})
	require.Equal(t, wire.StatusSuccess, status)

	w := &wire.Writer{}
	w.PutString(testAppletUUID)
	status, _ = d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdUninstall,
		Payload: w.Bytes(),
	})
	require.Equal(t, wire.StatusSuccess, status)
}

func TestCmdCreateAndCloseSession(t *testing.T) {
	d := newTestDispatcher(t)

	appletPath := filepath.Join(t.TempDir(), "applet.acp")
	require.NoError(t, os.WriteFile(appletPath, []byte("applet-blob"), 0o644))
	status, _ := d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdInstall,
		Payload: buildInstallPayload(t, testAppletUUID, appletPath),
	})
	require.Equal(t, wire.StatusSuccess, status)

	create := &wire.Writer{}
	create.PutString(testAppletUUID)
	create.PutU8(0)
	create.PutBytes(nil)
	create.PutU32(42)
	create.PutU64(1000)
	status, payload := d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdCreateSession,
		Payload: create.Bytes(),
	})
	require.Equal(t, wire.StatusSuccess, status)

	r := wire.NewReader(payload)
	sidStr := r.String()
	require.NoError(t, r.Err())
	sid, err := uuid.Parse(sidStr)
	require.NoError(t, err)

	countReq := &wire.Writer{}
	countReq.PutString(testAppletUUID)
	status, countPayload := d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdGetSessionsCount,
		Payload: countReq.Bytes(),
	})
	require.Equal(t, wire.StatusSuccess, status)
	require.Equal(t, uint32(1), wire.NewReader(countPayload).U32())

	closeReq := &wire.Writer{}
	closeReq.PutString(sid.String())
	closeReq.PutU32(42)
	closeReq.PutU64(1000)
	closeReq.PutU8(0)
	status, _ = d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdCloseSession,
		Payload: closeReq.Bytes(),
	})
	require.Equal(t, wire.StatusSuccess, status)
}

func TestCmdGetVersionInfo(t *testing.T) {
	d := newTestDispatcher(t)
	status, payload := d.Handle(context.Background(), &wire.Request{Command: wire.CmdGetVersionInfo})
	require.Equal(t, wire.StatusSuccess, status)
	r := wire.NewReader(payload)
	require.Equal(t, "1.0", r.String())
	require.Equal(t, uint32(13), r.U32())
}

func TestCmdSendCmdPkgRejectedOnNonBHV2Plugin(t *testing.T) {
	d := newTestDispatcher(t)
	w := &wire.Writer{}
	w.PutU64(1)
	w.PutBytes([]byte("pkg"))
	status, _ := d.Handle(context.Background(), &wire.Request{
		Command: wire.CmdSendCmdPkg,
		Payload: w.Bytes(),
	})
	require.Equal(t, wire.StatusTeeInvalidParams, status)
}

func TestInvalidCommandRejected(t *testing.T) {
	d := newTestDispatcher(t)
	status, _ := d.Handle(context.Background(), &wire.Request{Command: wire.CommandID(9999)})
	require.Equal(t, wire.StatusInvalidCommand, status)
}
