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
	"os"

	"github.com/slotgate/slotgate/internal/audit"
	"github.com/slotgate/slotgate/internal/config"
	"github.com/slotgate/slotgate/internal/ledger"
	"github.com/slotgate/slotgate/internal/observability/logger"
	"github.com/slotgate/slotgate/internal/status"
	"github.com/slotgate/slotgate/internal/store/postgres"
)

// One-shot expiry sweep for cron-style deployments that do not run the
// server's background ticker.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-sweep",
	})

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
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	auditLogger := audit.NewSlogLogger()
	ledgerService := ledger.NewService(postgres.NewLedgerRepository(db), auditLogger)
	statusService := status.NewService(postgres.NewStatusRepository(db), ledgerService, auditLogger)

	expired, err := statusService.SweepExpired(ctx)
	if err != nil {
		slog.Error("expiry sweep failed", logger.Component("sweep"), logger.Error(err))
		os.Exit(1)
	}

	slog.Info("expiry sweep completed", logger.Component("sweep"), slog.Int("expired", expired))
}
