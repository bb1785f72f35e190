// engramd is the memory engine daemon: it wires the engine container,
// verifies its backing services, and keeps the engine available until the
// process is signalled.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"engram-memory/internal/config"
	"engram-memory/internal/di"
)

func main() {
	var (
		healthOnly = flag.Bool("health-check", false, "verify backing services and exit")
		timeout    = flag.Duration("startup-timeout", 30*time.Second, "startup deadline")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	container := di.NewContainer(cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), *timeout)
	defer cancelStart()
	if err := container.Initialize(startCtx); err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	if err := container.HealthCheck(startCtx); err != nil {
		log.Fatalf("Health check failed: %v", err)
	}
	if *healthOnly {
		log.Printf("engramd healthy")
		shutdown(container)
		return
	}

	log.Printf("engramd started (graph=%s)", cfg.Graph.URI)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("engramd shutting down")
	shutdown(container)
}

func shutdown(container *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
