// Magpie - Keyword auto-reply engine for social media events.
// Copyright (c) 2025 opensource.social
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-social/magpie/internal/api"
	"github.com/opensource-social/magpie/internal/bus"
	"github.com/opensource-social/magpie/internal/cache"
	"github.com/opensource-social/magpie/internal/condition"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/engine"
	"github.com/opensource-social/magpie/internal/queue"
	"github.com/opensource-social/magpie/internal/repository"
	"github.com/opensource-social/magpie/internal/responder"
	"github.com/opensource-social/magpie/internal/rulecache"
	"github.com/opensource-social/magpie/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	setupLogger(cfg.Logging)

	slog.Info("starting magpie",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"dry_run", cfg.Responder.DryRun,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize condition gate (CEL)
	gate, err := condition.NewGate()
	if err != nil {
		slog.Error("failed to initialize condition gate", "error", err)
		os.Exit(1)
	}

	// Initialize rule cache and matching engine
	rules := rulecache.New(cacheImpl, repo, cfg.Engine.RuleTTL)
	eng := engine.New(rules, gate)
	slog.Info("matching engine initialized", "rule_ttl", cfg.Engine.RuleTTL)

	// Initialize event queue
	q := queue.New()
	defer q.Close()

	// Initialize responder
	resp := responder.New(cfg.Responder)
	slog.Info("responder initialized", "dry_run", cfg.Responder.DryRun)

	// Initialize webhook worker
	wrk := worker.New(busImpl, repo, eng, q, resp, cacheImpl, worker.Config{
		AccountIDs:     cfg.Worker.AccountIDs,
		Queue:          cfg.Queue,
		ThrottleLimit:  cfg.Worker.ThrottleLimit,
		ThrottleWindow: cfg.Worker.ThrottleWindow,
		MatchOptions:   cfg.Engine.MatchOptions(),
	})
	if err := wrk.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	slog.Info("worker started", "accounts", len(cfg.Worker.AccountIDs))

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, rules, q, wrk, gate, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("magpie is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker first so no new items enter the queue
	if err := wrk.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("magpie shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("   MAGPIE - Keyword Auto-Reply Engine")
	fmt.Println("   Every comment answered.")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /webhook           - Queue an inbound event")
	fmt.Println("    POST /match             - Match a message synchronously")
	fmt.Println("    POST /match/batch       - Match a batch of messages")
	fmt.Println("    GET  /rules             - List keyword rules")
	fmt.Println("    POST /rules             - Create a keyword rule")
	fmt.Println("    PUT  /rules/{id}        - Update a keyword rule")
	fmt.Println("    DELETE /rules/{id}      - Delete a keyword rule")
	fmt.Println("    POST /cache/refresh     - Refresh one post's cached rules")
	fmt.Println("    GET  /queue             - Inspect the event queue")
	fmt.Println("    GET  /activities        - List processed activities")
	fmt.Println("    GET  /metrics           - Engine and queue metrics")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
