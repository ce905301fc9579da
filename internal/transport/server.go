package transport

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/wire"
)

// Handler is the command dispatcher's collaboration surface: parse-and-route
// one request, returning the status/payload to frame back to the client.
type Handler interface {
	Handle(ctx context.Context, req *wire.Request) (wire.Status, []byte)
}

// Server runs the accept loop over one Listener, bounding in-flight
// connections to maxClients with a counting semaphore.
type Server struct {
	listener   Listener
	handler    Handler
	maxClients int64
	sem        *semaphore.Weighted
	log        *logging.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer constructs a Server over an already-bound Listener.
func NewServer(l Listener, handler Handler, maxClients int64, log *logging.Logger) *Server {
	return &Server{
		listener:   l,
		handler:    handler,
		maxClients: maxClients,
		sem:        semaphore.NewWeighted(maxClients),
		log:        logging.With(log, "transport"),
	}
}

// Addr returns the listener's bound address, used to discover the actually
// bound TCP port when the configured address was ":0".
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until ctx is cancelled or the listener errors.
// Each accepted connection is handled in its own goroutine, gated by the
// semaphore.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			s.wg.Wait()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.serveOne(ctx, conn)
		}()
	}
}

// Shutdown stops the accept loop and waits for in-flight workers to drain.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

