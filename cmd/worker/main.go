package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"git-reviewer/internal/archive"
	"git-reviewer/internal/config"
	"git-reviewer/internal/github"
	"git-reviewer/internal/logging"
	"git-reviewer/internal/publisher"
	"git-reviewer/internal/queue"
	"git-reviewer/internal/reviewer"
	"git-reviewer/internal/store"
	"git-reviewer/internal/telemetry"
	workerproc "git-reviewer/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ai, err := reviewer.NewOpenAI(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.AITimeout)
	if err != nil {
		logger.Fatal("init review capability", zap.Error(err))
	}
	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init archive", zap.Error(err))
	}

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With(zap.String("worker_id", workerID))

	pipeline := workerproc.NewPipeline(workerproc.Dependencies{
		Store:       st,
		Credentials: st,
		Repos:       github.NewClient(cfg.GitHubAPIURL, cfg.RequestTimeout, cfg.MaxBlobBytes),
		Reviewer:    ai,
		Publisher:   publisher.NewRedis(rdb, cfg.ProgressChannelPrefix, logger),
		Archiver:    archiver,
		Logger:      logger,
	}, workerproc.SettingsFromConfig(cfg), workerID)

	processor := workerproc.NewProcessor(cfg, queue.NewRedisQueue(rdb), pipeline, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("model", ai.Model()),
		zap.Int("max_files", cfg.MaxFilesToReview))
	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
