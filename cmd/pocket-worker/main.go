package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocket-bench/pocket/pkg/compute"
	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/offload"
	"github.com/pocket-bench/pocket/pkg/worker"
	"go.uber.org/zap"
)

// getLoggingConfig reads logging configuration from environment variables with defaults
func getLoggingConfig() *logging.Config {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "console"
	}

	return &logging.Config{
		Level:  level,
		Format: format,
	}
}

func main() {
	err := logging.Init(getLoggingConfig())
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	opts := offload.DefaultOptions()
	if network := os.Getenv("OFFLOAD_NETWORK"); network != "" {
		opts.Network = network
	}
	if addr := os.Getenv("OFFLOAD_ADDR"); addr != "" {
		opts.Address = addr
	}

	srv, err := worker.Listen(opts.Network, opts.Address, compute.Builtins())
	if err != nil {
		logging.Fatal("Failed to start worker", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		logging.Error("Worker stopped with error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Info("Shutting down worker...")
}
