// Package server exposes the chat room to browser clients through an HTTP
// server with a WebSocket upgrade endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway serves the WebSocket endpoint and a plain-text health check,
// bridging every upgraded connection onto the shared bus.
type Gateway struct {
	bus      *Bus
	log      *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway builds a gateway listening on addr, accepting upgrades from
// the given origins ("*" allows all).
func NewGateway(addr string, origins []string, bus *Bus, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		bus:     bus,
		log:     logger,
		origins: newOriginPolicy(origins, logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.checkOrigin,
	}
	g.server = &http.Server{
		Addr:        addr,
		Handler:     g.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return g
}

// Routes configures the HTTP mux: health check at the root and the
// WebSocket endpoint at /ws.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.healthHandler)
	mux.HandleFunc("/ws", g.websocketHandler)
	return mux
}

// healthHandler reports that the service is up.
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "RetroChat server is running!")
}

// websocketHandler upgrades the request and runs a bridged session on it.
// Upgrade failures are the browser's problem; they never disturb the room.
func (g *Gateway) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := newWSSession(conn, g.bus, g.log)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		session.run(g.ctx)
	}()
}

// Start launches the HTTP server in the background. Serve errors other than
// a clean shutdown are logged; the TCP relay keeps running without the
// gateway.
func (g *Gateway) Start() {
	g.log.Info("gateway listening", "addr", g.server.Addr)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("gateway serve failed", "error", err)
		}
	}()
}

// Shutdown stops accepting upgrades, closes the HTTP server, and waits for
// bridged sessions up to the timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info("shutting down gateway")
	g.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := g.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
	return err
}
