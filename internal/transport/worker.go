package transport

import (
	"context"
	"errors"
	"net"

	"github.com/joeycumines/go-dal/internal/wire"
)

// serveOne is the per-connection worker: read one length-prefixed request,
// invoke the handler, write one length-prefixed response, shut down the
// write side, close. No state survives past one connection — owner
// tracking travels in the request payload, not connection identity.
func (s *Server) serveOne(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := wire.ReadRequest(conn)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug().Err(err).Log("reading request frame failed")
		}
		return
	}

	status, payload := s.handler.Handle(ctx, req)
	if err := wire.WriteResponse(conn, status, payload); err != nil {
		s.log.Debug().Err(err).Log("writing response frame failed")
		return
	}

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
