package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"crashrooms/internal/config"
	"crashrooms/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}
	srv.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] Listening on port %d", cfg.Port)
		errCh <- srv.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
		log.Println("[SERVER] Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("[SERVER] Listen error: %v", err)
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.Fatalf("Server forced to shutdown with error: %v", err)
	}
	log.Println("[SERVER] Graceful shutdown complete")
}
