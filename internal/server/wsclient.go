// Package server bridges WebSocket clients onto the fan-out bus with the
// same handshake and notification semantics as raw TCP sessions; text
// frames stand in for line framing.
package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsSession is the WebSocket counterpart of Session. The first text frame
// carries the display name; every later frame is one chat message, and
// every bus delivery is written back as one text frame.
type wsSession struct {
	conn *websocket.Conn
	bus  *Bus
	sub  *Subscription
	log  *slog.Logger
	name string
}

func newWSSession(conn *websocket.Conn, bus *Bus, logger *slog.Logger) *wsSession {
	return &wsSession{
		conn: conn,
		bus:  bus,
		sub:  bus.Subscribe(),
		log: logger.With(
			slog.String("session", uuid.NewString()),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
}

func (s *wsSession) run(ctx context.Context) {
	defer s.sub.Cancel()
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	name, err := s.handshake()
	if err != nil {
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
		s.readPump()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.writePump(ctx)
	}()
	wg.Wait()

	s.publish(NewLeaveNotification(s.name))
	s.log.Info("client left", "name", s.name)
}

func (s *wsSession) handshake() (string, error) {
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(frame)), nil
}

func (s *wsSession) readPump() {
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Debug("read failed", "error", err)
			}
			return
		}
		s.publish(NewUserMessage(s.name, strings.TrimSpace(string(frame))))
	}
}

func (s *wsSession) writePump(ctx context.Context) {
	for {
		payload, skipped, err := s.sub.Receive(ctx)
		if err != nil {
			return
		}
		if skipped > 0 {
			s.log.Warn("slow client skipped deliveries", "skipped", skipped)
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
	}
}

func (s *wsSession) publish(env Envelope) {
	payload, err := env.Encode()
	if err != nil {
		s.log.Error("encode failed", "error", err)
		return
	}
	s.bus.Publish(payload)
}
