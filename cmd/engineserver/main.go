// Command engineserver is the workflow engine's process entrypoint:
// loads configuration, wires the Application (internal/engine/app), binds
// the Boundary's HTTP listener, starts the scheduled tick worker, and
// shuts down cleanly on SIGINT/SIGTERM. Grounded on cmd/appserver/main.go's
// flag-override-then-signal-wait shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/workflow-engine/internal/engine/app"
	"github.com/r3e-network/workflow-engine/internal/engine/config"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR/config default :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_URL; in-memory storage when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("engineserver: load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		cfg.Addr = trimmed
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.DatabaseURL = trimmed
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("engineserver: build application: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("engineserver: start: %v", err)
	}
	application.Log.WithField("addr", cfg.Addr).Info("engineserver: listening")

	<-rootCtx.Done()
	application.Log.Info("engineserver: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		application.Log.WithError(err).Error("engineserver: shutdown error")
		os.Exit(1)
	}
}
