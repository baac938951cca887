// Copyright 2026 The Slotgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/authz"
	"github.com/slotgate/slotgate/internal/cache"
	"github.com/slotgate/slotgate/internal/config"
	"github.com/slotgate/slotgate/internal/dedup"
	"github.com/slotgate/slotgate/internal/dispatch"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/observability/logger"
	"github.com/slotgate/slotgate/internal/observability/metrics"
	"github.com/slotgate/slotgate/internal/observability/tracing"
	"github.com/slotgate/slotgate/internal/status"
	"github.com/slotgate/slotgate/internal/store/postgres"
	transportHTTP "github.com/slotgate/slotgate/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting slotgate capacity allocator")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(1)
	}

	// Initialize database
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize repositories
	ledgerRepo := postgres.NewLedgerRepository(db)
	statusRepo := postgres.NewStatusRepository(db)
	grantRepo := postgres.NewGrantRepository(db)

	// Initialize services
	auditLogger := audit.NewSlogLogger()
	ledgerService := ledger.NewService(ledgerRepo, auditLogger)
	statusService := status.NewService(statusRepo, ledgerService, auditLogger)

	directory := authz.NewConfigDirectory(grantRepo, cfg.Auth.SuperAdminIDs, cfg.Auth.ElevatedAdminGlobal)
	resolver := authz.NewResolver(directory)

	registry := dedup.NewRegistry()
	readCache := cache.New(cfg.Cache.TTL, registry)

	dispatcher, err := dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatcher.Workers,
		QueueSize:       cfg.Dispatcher.QueueSize,
		DeadlineMargin:  cfg.Dispatcher.DeadlineMargin,
		DefaultDeadline: cfg.Dispatcher.DefaultDeadline,
	}, resolver, ledgerService, statusService, readCache, registry, meter)
	if err != nil {
		slog.Error("failed to initialize dispatcher", logger.Error(err))
		os.Exit(1)
	}

	// Rate limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(dispatcher, resolver, grantRepo, auditLogger, []byte(cfg.Auth.JWTSecret))
	router := transportHTTP.NewRouter(handler, rateLimiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background expiry sweep. Lazy materialization covers read paths; the
	// sweep bounds how long an expired activation can hold a slot unobserved.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.Status.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := statusService.SweepExpired(sweepCtx)
				if err != nil {
					slog.ErrorContext(sweepCtx, "expiry sweep failed", logger.Component("sweep"), logger.Error(err))
					continue
				}
				if expired > 0 {
					slog.InfoContext(sweepCtx, "expiry sweep completed",
						logger.Component("sweep"), slog.Int("expired", expired))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown: stop accepting requests, then drain the dispatcher
	// so acknowledged deferred operations run to completion.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	stopSweep()
	dispatcher.Shutdown()

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
