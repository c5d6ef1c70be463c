// Package main starts the conversion worker process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/coplay.space/internal/app/worker"
	"github.com/louisbranch/coplay.space/internal/platform/config"
	"github.com/louisbranch/coplay.space/internal/platform/otel"
)

func main() {
	log.SetPrefix("[WORKER] ")

	var cfg worker.Config
	if err := config.ParseEnv(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "coplay-space-worker")
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	if err := worker.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run worker: %v", err)
	}
}
