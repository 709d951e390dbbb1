// Shrike - Duplicate detection and merge for multi-tenant CRMs.
// Copyright (c) 2025 opensource-crm
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-crm/shrike/internal/api"
	"github.com/opensource-crm/shrike/internal/bus"
	"github.com/opensource-crm/shrike/internal/cache"
	"github.com/opensource-crm/shrike/internal/detection"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/groups"
	"github.com/opensource-crm/shrike/internal/merge"
	"github.com/opensource-crm/shrike/internal/metrics"
	"github.com/opensource-crm/shrike/internal/repository"
	"github.com/opensource-crm/shrike/internal/rules"
	"github.com/opensource-crm/shrike/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("SHRIKE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("SHRIKE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize match-rule engine
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	slog.Info("rule engine initialized")

	// Initialize metrics
	m, err := metrics.New()
	if err != nil {
		slog.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Initialize detection pipeline
	resolver := detection.NewResolver(repo, cacheImpl, busImpl, engine)
	detector := detection.NewService(repo, resolver, engine, busImpl, m)
	slog.Info("detection service initialized")

	// Initialize merge engine and group service
	merger := merge.NewEngine(repo, cacheImpl, busImpl, m)
	groupSvc := groups.NewService(repo, repo, detector, busImpl)
	slog.Info("merge engine initialized")

	// Initialize async auto-merge Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SHRIKE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, resolver, merger)

		var tenantIDs []string
		if envTenants := os.Getenv("SHRIKE_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if len(tenantIDs) == 0 {
			slog.Warn("async worker disabled, SHRIKE_TENANTS names no tenants")
			asyncWorker = nil
		} else if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, detector, resolver, groupSvc, merger, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("               SHRIKE")
	fmt.Println("     Duplicate Detection & Merge Engine")
	fmt.Println("     One record per customer.")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /records                    - Create a record")
	fmt.Println("    GET  /records/{id}               - Get record by ID")
	fmt.Println("    GET  /records/{id}/duplicates    - Find duplicate candidates")
	fmt.Println("    POST /records/{id}/activities    - Attach an activity")
	fmt.Println("    POST /groups                     - Create a duplicate group")
	fmt.Println("    GET  /groups                     - List duplicate groups")
	fmt.Println("    POST /groups/{id}/resolve        - Resolve a group")
	fmt.Println("    DELETE /groups/{id}              - Delete a group")
	fmt.Println("    POST /merge                      - Merge two records")
	fmt.Println("    GET  /config                     - Get detection config")
	fmt.Println("    PUT  /config                     - Update detection config")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
