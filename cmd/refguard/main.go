// Refguard - Referral fraud detection for partner programs.
// Copyright (c) 2025 opensource.finance
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

	"github.com/opensource-finance/refguard/internal/api"
	"github.com/opensource-finance/refguard/internal/bus"
	"github.com/opensource-finance/refguard/internal/cache"
	"github.com/opensource-finance/refguard/internal/config"
	"github.com/opensource-finance/refguard/internal/domain"
	"github.com/opensource-finance/refguard/internal/flagging"
	"github.com/opensource-finance/refguard/internal/notify"
	"github.com/opensource-finance/refguard/internal/policy"
	"github.com/opensource-finance/refguard/internal/repository"
	"github.com/opensource-finance/refguard/internal/risk"
	"github.com/opensource-finance/refguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := os.Getenv("REFGUARD_CONFIG_FILE")
	if configPath == "" {
		configPath = "refguard.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refguard: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("REFGUARD_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	logger := config.NewLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting refguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	policies := policy.NewResolver(repo,
		policy.WithCache(cacheImpl, cfg.Cache.PolicyTTL),
		policy.WithLogger(logger),
	)
	evaluator := risk.NewEvaluator(repo, repo, policies, risk.WithLogger(logger))
	flags := flagging.NewService(repo, repo, notify.NewBusNotifier(busImpl),
		flagging.WithLogger(logger),
		flagging.WithNotificationConfig(cfg.Notifications),
	)

	// The in-process channel bus needs a local worker; with NATS the worker
	// may run elsewhere.
	var delivery *worker.Worker
	if cfg.EventBus.Type != "nats" || os.Getenv("REFGUARD_WORKER") == "true" {
		delivery = worker.NewWorker(busImpl, repo, logger)
		if err := delivery.Start(); err != nil {
			slog.Error("failed to start notification worker", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Evaluator: evaluator,
		Flags:     flags,
		Policies:  policies,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("refguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop after the server so in-flight manual flags can still deliver.
	if delivery != nil {
		if err := delivery.Stop(); err != nil {
			slog.Error("failed to stop notification worker", "error", err)
		}
	}

	slog.Info("refguard shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  REFGUARD - referral fraud detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /referrals/evaluate                  - Evaluate a new referral")
	fmt.Println("    POST /referrals/{id}/conversion/evaluate  - Evaluate a conversion")
	fmt.Println("    GET  /fraud-flags?resolved=               - List fraud flags")
	fmt.Println("    GET  /fraud-flags/{id}                    - Get a fraud flag")
	fmt.Println("    POST /fraud-flags                         - Flag a referral manually")
	fmt.Println("    POST /fraud-flags/{id}/resolve            - Resolve a fraud flag")
	fmt.Println("    GET  /fraud-policy                        - Effective fraud policy")
	fmt.Println("    GET  /notifications                       - Admin inbox")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
