// Package server runs the TCP listener loop that accepts chat connections
// and hands each one to an independent session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Server accepts stream connections on one TCP endpoint and spawns a
// Session per accepted connection, all wired to the single shared bus.
type Server struct {
	addr string
	bus  *Bus
	log  *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer prepares a server for the given listen address. The bus is the
// only resource shared across the sessions this server will spawn.
func NewServer(addr string, bus *Bus, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		bus:    bus,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listening endpoint and launches the accept loop in the
// background. A bind failure is the only process-fatal condition the chat
// core knows; it is returned to the caller to act on.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info("listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Addr reports the bound address, useful when Start was given ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections until the listening socket itself fails.
// A transient accept error is logged and the loop keeps going; errors from
// an individual session never reach it.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.log.Info("client connected", "remote", conn.RemoteAddr().String())
		session := NewSession(conn, s.bus, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Run(s.ctx)
		}()
	}
}

// Shutdown closes the listener and the bus, then waits for every session
// goroutine to finish or the timeout to pass. It returns
// context.DeadlineExceeded when sessions are still winding down at the
// deadline.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info("shutting down listener")
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.bus.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
