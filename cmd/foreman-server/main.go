package main

import (
	"context"
	"fmt"
	"os"

	"foreman/internal/di"
	"foreman/internal/shared/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	container, err := di.BuildContainer(cfg)
	if err != nil {
		fatal(err)
	}
	logger := container.Logger
	logger.Info("starting orchestration server",
		"addr", cfg.Addr(),
		"workers", cfg.WorkerCount,
		"queue_capacity", cfg.QueueCapacity,
		"agents", container.Agents.Available(),
	)

	stopSignals := container.Lifecycle.NotifySignals()
	defer stopSignals()

	container.Start(context.Background())

	// Blocks until a signal drives the shutdown sequence, whose first
	// cleanup closes the listener.
	if err := container.Server.Start(); err != nil {
		logger.Error("http server failed", "error", err)
		container.Lifecycle.Shutdown("http server failed")
		os.Exit(1)
	}

	<-container.Lifecycle.Done()
	logger.Info("server stopped")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "foreman-server: %v\n", err)
	os.Exit(1)
}
