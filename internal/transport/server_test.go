package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/wire"
)

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req *wire.Request) (wire.Status, []byte) {
	return wire.StatusSuccess, req.Payload
}

// writeRequestFrame builds a raw u32 total_length || u32 command_id ||
// payload frame, mirroring what a real client library sends.
func writeRequestFrame(w io.Writer, cmd wire.CommandID, payload []byte) error {
	total := uint32(4 + 4 + len(payload))
	buf := make([]byte, 0, total)
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, total)
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint32(tmp, uint32(cmd))
	buf = append(buf, tmp...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readResponseFrame parses a u32 total_length || u32 status || payload
// frame, the same layout wire.WriteResponse produces.
func readResponseFrame(r io.Reader) (wire.Status, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	rest := make([]byte, total-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, err
	}
	status := wire.Status(binary.LittleEndian.Uint32(rest[:4]))
	return status, rest[4:], nil
}

func TestServerRoundTripOverUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dald.sock")
	l, err := NewListener(KindUnix, sockPath, 0)
	require.NoError(t, err)

	srv := NewServer(l, echoHandler{}, 4, logging.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeRequestFrame(conn, wire.CmdInit, []byte("hello")))
	status, payload, err := readResponseFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	require.Equal(t, []byte("hello"), payload)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerServesWithSingleClientSlot(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "dald2.sock")
	l, err := NewListener(KindUnix, sockPath, 0)
	require.NoError(t, err)

	srv := NewServer(l, echoHandler{}, 1, logging.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeRequestFrame(conn, wire.CmdInit, nil))
	status, _, err := readResponseFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
}
