package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/cvlift/cvlift/internal/api"
	"github.com/cvlift/cvlift/internal/config"
	"github.com/cvlift/cvlift/internal/database"
	"github.com/cvlift/cvlift/internal/logging"
	"github.com/cvlift/cvlift/internal/orchestrator"
	"github.com/cvlift/cvlift/internal/provider"
	"github.com/cvlift/cvlift/internal/queue"
	"github.com/cvlift/cvlift/internal/repository"
	"github.com/cvlift/cvlift/internal/s3storage"
	"github.com/cvlift/cvlift/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	var srv *api.Server
	if cfg.InMemory {
		// Dev mode: no Postgres, no Redis, no object store. Runs execute
		// inline on goroutines against the in-memory store.
		store := storage.NewMemoryStore()
		runner := orchestrator.NewRunner(store, provider.New(cfg), nil, logger, cfg.DefaultTemplate)
		srv = api.New(cfg, store, nil, runner, logger)
		logger.Warn("running in-memory, records are lost on shutdown")
	} else {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		records := repository.NewRecords(pool, logger)

		blobs, err := s3storage.New(cfg)
		if err != nil {
			log.Fatalf("init object store: %v", err)
		}
		if err := blobs.EnsureBuckets(ctx); err != nil {
			log.Fatalf("ensure buckets: %v", err)
		}

		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		srv = api.New(cfg, records, blobs, queue.NewDispatcher(client), logger)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
