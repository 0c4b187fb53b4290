package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/intentcore/pkg/config"
	"github.com/speedrun-hq/intentcore/pkg/logger"
	"github.com/speedrun-hq/intentcore/pkg/node"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdLogger := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Wire the settlement topology
	n, err := node.New(cfg, stdLogger)
	if err != nil {
		log.Fatalf("Failed to create settlement node: %v", err)
	}

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("Received termination signal, shutting down gracefully...")
		cancel()
	}()

	// Start the node
	log.Println("Starting the settlement node...")
	n.Start(ctx)

	<-ctx.Done()
}
