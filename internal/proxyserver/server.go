package proxyserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

var ErrNotListening = errors.New("proxyserver: not listening")

const maxAcceptDelay = time.Second

// ConnHandler serves one accepted client connection. Handle owns conn and
// must close it before returning. ctx outlives the Serve context so sessions
// can drain; it is cancelled when Shutdown gives up waiting.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to ConnHandler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

type Server struct {
	addr    string
	handler ConnHandler
	logger  *slog.Logger

	mutex    sync.Mutex
	listener net.Listener
	conns    map[net.Conn]context.CancelFunc
	closing  bool

	sessions sync.WaitGroup
}

func New(addr string, handler ConnHandler, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger.With(slog.String("component", "proxyserver")),
		conns:   make(map[net.Conn]context.CancelFunc),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.listener = ln
	s.mutex.Unlock()

	s.logger.Info("Listening for requests", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Every connection is handed to the handler on its own goroutine. Accept
// errors other than a closed listener are retried with backoff.
func (s *Server) Serve(ctx context.Context) error {
	s.mutex.Lock()
	ln := s.listener
	s.mutex.Unlock()

	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() {
		s.closeListener()
	})
	defer stop()

	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				s.logger.Info("Stopped accepting connections")
				return nil
			}

			delay = nextDelay(delay)
			s.logger.Warn("Failed to accept connection",
				slog.Any("err", err),
				slog.Duration("retry_in", delay))

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		if !s.track(conn, cancel) {
			cancel()
			conn.Close()
			continue
		}

		go func() {
			defer s.untrack(conn)
			defer cancel()
			s.handler.Handle(sessionCtx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for open connections to finish. When
// ctx expires first the remaining sessions are cancelled, their connections
// closed, and ctx's error is returned once the handlers have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections drained")
		return nil
	case <-ctx.Done():
	}

	s.mutex.Lock()
	s.logger.Warn("Drain timed out, closing connections", slog.Int("open", len(s.conns)))
	for conn, cancel := range s.conns {
		cancel()
		conn.Close()
	}
	s.mutex.Unlock()

	<-done
	return ctx.Err()
}

// OpenConnections returns the number of client connections being served.
func (s *Server) OpenConnections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.conns)
}

func (s *Server) closeListener() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closing {
		return
	}
	s.closing = true

	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) isClosing() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closing
}

func (s *Server) track(conn net.Conn, cancel context.CancelFunc) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closing {
		return false
	}

	s.conns[conn] = cancel
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()

	s.sessions.Done()
}

func nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}

	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}
