// Copyright (c) 2026 The Claimsflow Authors
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

// Claimsflow mailbox ingestion engine.
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL, Redis, and the object store
//  3. Starts the per-tenant polling scheduler and run pool
//  4. Serves the admin/reporting HTTP API and Prometheus metrics
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/claimsflow/ingestion/internal/api"
	"github.com/claimsflow/ingestion/internal/blob"
	"github.com/claimsflow/ingestion/internal/config"
	"github.com/claimsflow/ingestion/internal/credentials"
	"github.com/claimsflow/ingestion/internal/dedup"
	"github.com/claimsflow/ingestion/internal/extract"
	"github.com/claimsflow/ingestion/internal/ingest"
	"github.com/claimsflow/ingestion/internal/notify"
	"github.com/claimsflow/ingestion/internal/rules"
	"github.com/claimsflow/ingestion/internal/scheduler"
	"github.com/claimsflow/ingestion/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting claimsflow ingestion engine")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"tick", cfg.TickInterval,
		"max_concurrent_runs", cfg.MaxConcurrentRuns,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	credStore, err := credentials.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise credential store", "error", err)
		os.Exit(1)
	}

	// --- Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := notify.NewPublisher(rdb, cfg.NotificationsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.New(rdb)

	// --- Object store ---
	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		slog.Error("failed to connect to object store", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to object store", "bucket", cfg.S3.Bucket)

	// --- Pipeline ---
	engine := rules.NewEngine(st, publisher)
	runner := ingest.NewRunner(st, credStore, filter, blobs, extract.Passthrough{}, engine, cfg.OperationTimeout)
	sched := scheduler.New(st, credStore, runner, cfg.TickInterval, cfg.MaxConcurrentRuns)

	go sched.Run(ctx)

	// --- Graceful shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// --- HTTP API ---
	server := api.NewServer(sched, st, credStore)
	if err := api.Serve(ctx, cfg.Port, server); err != nil {
		slog.Error("api server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion engine stopped")
}
