// Package main runs the token tracker service: upstream polling, the HTTP API
// and the WebSocket event stream in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"solana-token-tracker/internal/app"
	"solana-token-tracker/internal/config"
	"solana-token-tracker/internal/logger"
)

func main() {
	configPath := flag.String("config", ".env", "Path to the key=value config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("configuration loaded", zap.String("config", cfg.RedactedSummary()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}

	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
		cancel()

		// a second signal skips the graceful path
		select {
		case sig := <-sigCh:
			log.Warn("received second signal, forcing immediate shutdown", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
	close(done)

	if runErr != nil {
		log.Fatal("server error", zap.Error(runErr))
	}
	log.Info("shutdown complete")
}
