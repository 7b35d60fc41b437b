// workspace-hostd is the control-plane runtime for a single workspace
// host: pooled PTY sessions over WebSockets, systemd-nspawn container
// lifecycle, file transfer, a command-execution gateway, and an X11
// framebuffer stream, fronted by one HTTP server.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/openagent/workspacehost/internal/config"
	"github.com/openagent/workspacehost/internal/logging"
	"github.com/openagent/workspacehost/internal/server"
)

func main() {
	logging.Setup()
	log.Println("Starting workspace-hostd...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Run blocks until ctx is cancelled by a signal or the idle detector
	// requests a shutdown, then drains and closes every subsystem itself.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Printf("Configuration loaded: host=%s, port=%d", cfg.Host, cfg.Port)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("workspace-hostd stopped")
}
