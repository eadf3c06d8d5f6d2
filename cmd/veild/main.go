// Package main implements veild, the journal backend server. It exposes
// confession analysis behind the AI usage governor together with the
// tenant-scoped storage API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/veiljournal/veil/internal/app/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default config/veil.yaml)")
	flag.Parse()

	// .env is a development convenience; deployments set the environment
	// directly.
	_ = godotenv.Load()

	if *configPath == "" {
		*configPath = os.Getenv("VEIL_CONFIG")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx, *configPath)
	if err != nil {
		log.Fatalf("veild: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("veild: %v", err)
	}

	// The run context is already cancelled; shutdown gets its own deadline.
	if err := app.Shutdown(context.Background()); err != nil {
		log.Printf("veild: shutdown: %v", err)
	}
}
