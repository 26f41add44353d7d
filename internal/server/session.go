// Package server manages one TCP client connection per Session, from the
// display-name handshake through the concurrent relay loops to close.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session is the full lifecycle of one client connection. It performs the
// one-line identity handshake, then concurrently reads client input and
// forwards bus deliveries until the peer disconnects or the bus shuts down.
//
// The display name is owned exclusively by its session and never mutated
// after the handshake completes. The only state shared with other sessions
// is the bus itself.
type Session struct {
	conn net.Conn
	bus  *Bus
	sub  *Subscription
	log  *slog.Logger
	name string
}

// NewSession wires an accepted connection to the shared bus. The
// subscription is taken here, at accept time, so the session observes every
// payload published from this point on, including its own.
func NewSession(conn net.Conn, bus *Bus, logger *slog.Logger) *Session {
	return &Session{
		conn: conn,
		bus:  bus,
		sub:  bus.Subscribe(),
		log: logger.With(
			slog.String("session", uuid.NewString()),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
}

// Run drives the session to completion and releases the connection and the
// subscription before returning. It never returns an error: every failure
// is fatal to this session alone and is handled by closing it.
func (s *Session) Run(ctx context.Context) {
	defer s.sub.Cancel()
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock any pending read or write when either relay loop finishes
	// or the server shuts down.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	reader := bufio.NewReader(s.conn)

	name, err := s.handshake(reader)
	if err != nil {
		// The peer vanished before identifying itself; nothing was
		// announced, so nothing is retracted.
		s.log.Debug("handshake failed", "error", err)
		return
	}
	s.name = name
	s.publish(NewJoinNotification(s.name))
	s.log.Info("client joined", "name", s.name)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(reader)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx)
	}()
	wg.Wait()

	s.publish(NewLeaveNotification(s.name))
	s.log.Info("client left", "name", s.name)
}

// handshake reads the display name line. A name terminated by EOF instead
// of a newline is still accepted; only a read that yields no bytes at all
// fails the handshake.
func (s *Session) handshake(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readLoop publishes one UserMessage per inbound line until the peer
// closes or the connection errors. A non-empty partial line cut off by an
// abrupt disconnect is still relayed before the session closes.
func (s *Session) readLoop(reader *bufio.Reader) {
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			s.publish(NewUserMessage(s.name, strings.TrimSpace(line)))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "error", err)
			}
			return
		}
	}
}

// writeLoop forwards bus deliveries to the client verbatim, one line each,
// without re-encoding or filtering. Lag is logged and skipped past; a
// closed bus or a failed write ends the session.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		payload, skipped, err := s.sub.Receive(ctx)
		if err != nil {
			return
		}
		if skipped > 0 {
			s.log.Warn("slow client skipped deliveries", "skipped", skipped)
		}
		if _, err := s.conn.Write(payload); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
		if _, err := s.conn.Write(lineDelimiter); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
	}
}

// lineDelimiter frames every outbound payload; payloads themselves contain
// no newline.
var lineDelimiter = []byte{'\n'}

// publish encodes and broadcasts one envelope. An encode failure is fatal
// to that envelope only; zero subscribers is a valid no-op.
func (s *Session) publish(env Envelope) {
	payload, err := env.Encode()
	if err != nil {
		s.log.Error("encode failed", "error", err)
		return
	}
	s.bus.Publish(payload)
}
