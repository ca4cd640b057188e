package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/wire"
)

// HandlerFunc receives every message read from a connection on channel ch.
// It is called on the connection's reader goroutine.
type HandlerFunc func(ctx context.Context, ch model.Channel, conn *Conn, msg *wire.Message)

// Server accepts connections on one or more channel listeners and feeds
// their messages to a handler.
type Server struct {
	handler HandlerFunc
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[*Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// NewServer creates a server dispatching to h.
func NewServer(h HandlerFunc, logger *slog.Logger) *Server {
	return &Server{
		handler: h,
		logger:  logger,
		conns:   make(map[*Conn]struct{}),
	}
}

// Serve accepts connections on l for channel ch until ctx is cancelled or
// the server is closed. It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ch model.Channel, l net.Listener) error {
	if !s.track(l) {
		l.Close()
		return nil
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.logger.Info("listening", "channel", ch.String(), "addr", l.Addr().String())
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		c := NewConn(nc)
		if !s.trackConn(c) {
			c.Close()
			return nil
		}
		s.wg.Go(func() {
			defer s.untrackConn(c)
			s.serveConn(ctx, ch, c)
		})
	}
}

func (s *Server) serveConn(ctx context.Context, ch model.Channel, c *Conn) {
	defer c.Close()
	s.logger.Debug("connection opened", "channel", ch.String(), "remote", c.RemoteAddr().String())

	for {
		msg, err := c.Receive()
		if errors.Is(err, wire.ErrMalformedFrame) {
			s.logger.Error("dropping undecodable frame", "channel", ch.String(), "error", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn("read frame", "channel", ch.String(), "error", err)
			}
			s.logger.Debug("connection closed", "channel", ch.String())
			return
		}
		s.handler(ctx, ch, c, msg)
	}
}

// Close stops every listener, closes open connections and waits for their
// reader goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

func (s *Server) trackConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
