package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/cvlift/cvlift/internal/config"
	"github.com/cvlift/cvlift/internal/database"
	"github.com/cvlift/cvlift/internal/logging"
	"github.com/cvlift/cvlift/internal/orchestrator"
	"github.com/cvlift/cvlift/internal/provider"
	"github.com/cvlift/cvlift/internal/repository"
	"github.com/cvlift/cvlift/internal/s3storage"
	"github.com/cvlift/cvlift/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

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

	runner := orchestrator.NewRunner(records, provider.New(cfg), blobs, logger, cfg.DefaultTemplate)
	processor := worker.NewProcessor(runner, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", "concurrency", cfg.ProcessingPool)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
