// Command worker consumes evaluation tasks, drives workloads on the cluster,
// and publishes lifecycle events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	miniostore "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/blob/minio"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/bus/redisbus"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/dispatcher/k8s"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/app"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/service/executorpool"
	"github.com/fairyhunter13/ai-code-evaluator/internal/usecase"
	"github.com/fairyhunter13/ai-code-evaluator/internal/worker"
)

type redisAdapter struct{ c *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	evalRepo := postgres.NewEvaluationRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	cache := rediscache.New(rdb)
	bus := redisbus.New(rdb)
	revoker := redpanda.NewRevoker(rdb, cfg.VisibilityTimeout)

	blobs, err := miniostore.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The worker cannot run without the cluster.
	clientset, err := k8s.NewClientset()
	if err != nil {
		slog.Error("cluster client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	images, err := k8s.NewImageResolver(clientset, cfg.ImageNamePrefix, cfg.RuntimeManifestPath, cfg.ImageRefreshInterval)
	if err != nil {
		slog.Error("image resolver init failed", slog.Any("error", err))
		os.Exit(1)
	}
	dispatcher := k8s.New(clientset, cfg, images)
	if err := dispatcher.EnsureIsolation(ctx, cfg.MaxConcurrentEvaluations); err != nil {
		slog.Error("cluster isolation setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "task-worker")
	if err != nil {
		slog.Error("task queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	storage := usecase.NewStorageService(evalRepo, eventRepo, blobs, cache)
	storage.BlobThresholdBytes = int(cfg.BlobThresholdBytes)
	storage.PreviewBytes = cfg.PreviewBytes

	slots := executorpool.New(rdb, cfg.MaxConcurrentEvaluations, cfg.VisibilityTimeout)

	wk := worker.New(storage, dispatcher, bus, revoker, slots)
	wk.PollInterval = cfg.PollInterval
	wk.PollGrace = cfg.PollGrace

	retries := redpanda.NewRetryManager(producer, bus,
		cfg.RetryMaxAttempts,
		time.Duration(cfg.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.RetryCapSeconds)*time.Second)

	consumer, err := redpanda.NewConsumer(redpanda.ConsumerOptions{
		Brokers:      cfg.KafkaBrokers,
		GroupID:      "evaluation-workers",
		Concurrency:  cfg.ConsumerMaxConcurrency,
		FairnessStep: cfg.FairnessStep,
	}, wk.Handle, revoker, retries)
	if err != nil {
		slog.Error("task consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()

	dlq, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, "evaluation-dlq-monitor", producer)
	if err != nil {
		slog.Error("dlq consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = dlq.Close() }()
	go func() {
		if err := dlq.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dlq consumer stopped", slog.Any("error", err))
		}
	}()

	sweeper := worker.NewStaleSweeper(storage, dispatcher, bus, cfg.PollGrace, time.Minute)
	go sweeper.Run(ctx)

	ready := app.NewReadinessChecks().
		Add("db", app.DBCheck(pool)).
		Add("redis", app.RedisCheck(redisAdapter{c: rdb})).
		Add("broker", app.BrokerCheck(producer)).
		Add("cluster", app.ClusterCheck(dispatcher)).
		WithBus(bus)

	sidecar := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           app.BuildSidecar(ready),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics sidecar starting", slog.Int("port", cfg.MetricsPort))
		if err := sidecar.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics sidecar error", slog.Any("error", err))
		}
	}()

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.ConsumerMaxConcurrency),
		slog.Int("max_concurrent_evaluations", cfg.MaxConcurrentEvaluations))
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = sidecar.Shutdown(shutdownCtx)
}
