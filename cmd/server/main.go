package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"

	"github.com/retrolabs/retrochat/internal/server"
)

// Exit codes to provide meaningful status to the operating system or
// service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 5 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "RetroChat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires configuration, the bus, the TCP relay, and the gateway, then
// blocks until an interrupt triggers graceful shutdown. Keeping the logic
// out of main ensures deferred cleanup always executes before exit.
func run() (int, error) {
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	printBanner(cfg)

	bus := server.NewBus(cfg.BusCapacity)

	srv := server.NewServer(cfg.ListenAddr(), bus, logger)
	if err := srv.Start(); err != nil {
		return exitRuntime, err
	}

	var gateway *server.Gateway
	if cfg.HTTPAddr != "" {
		gateway = server.NewGateway(cfg.HTTPAddr, cfg.Origins(), bus, logger)
		gateway.Start()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	if gateway != nil {
		if err := gateway.Shutdown(shutdownTimeout); err != nil {
			logger.Warn("gateway shutdown incomplete", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	return exitOK, nil
}

func printBanner(cfg server.Config) {
	banner := color.New(color.BgBlack, color.FgGreen)
	banner.Println("╔════════════════════════════════════════╗")
	banner.Println("║        RETRO CHAT SERVER ACTIVE        ║")
	banner.Printf("║        Listening on %-19s║\n", cfg.ListenAddr())
	banner.Println("║        Press Ctrl+C to shutdown        ║")
	banner.Println("╚════════════════════════════════════════╝")
}
