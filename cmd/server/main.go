// Command server starts the evaluation platform's submission API.
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
	httpserver "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/app"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
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

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	evalRepo := postgres.NewEvaluationRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	cache := rediscache.New(rdb)
	bus := redisbus.New(rdb)
	pending := redpanda.NewPending(rdb, cfg.PendingMarkerTTL)
	revoker := redpanda.NewRevoker(rdb, cfg.VisibilityTimeout)

	blobs, err := miniostore.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "submission-api")
	if err != nil {
		slog.Error("task queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// The API only needs the cluster for cancellation; a missing kubeconfig
	// degrades cancel to revocation markers instead of failing startup.
	var dispatcher domain.Dispatcher
	var cluster app.ClusterHealth
	if client, cerr := k8s.NewClientset(); cerr != nil {
		slog.Warn("cluster client unavailable, cancel will rely on revocation", slog.Any("error", cerr))
	} else {
		images, ierr := k8s.NewImageResolver(client, cfg.ImageNamePrefix, cfg.RuntimeManifestPath, cfg.ImageRefreshInterval)
		if ierr != nil {
			slog.Error("image resolver init failed", slog.Any("error", ierr))
			os.Exit(1)
		}
		d := k8s.New(client, cfg, images)
		dispatcher = d
		cluster = d
	}

	storage := usecase.NewStorageService(evalRepo, eventRepo, blobs, cache)
	storage.BlobThresholdBytes = int(cfg.BlobThresholdBytes)
	storage.PreviewBytes = cfg.PreviewBytes

	submitSvc := usecase.NewSubmitService(storage, producer, bus, pending)
	submitSvc.MaxCodeSizeBytes = int(cfg.MaxCodeSizeBytes)
	submitSvc.MaxTimeoutSeconds = cfg.MaxTimeoutSeconds
	submitSvc.DefaultTimeoutSeconds = cfg.DefaultTimeoutSeconds

	querySvc := usecase.NewQueryService(storage, pending)
	cancelSvc := usecase.NewCancelService(storage, revoker, dispatcher, bus)

	srv := httpserver.NewServer(submitSvc, querySvc, cancelSvc, storage)
	srv.MaxBodyBytes = cfg.MaxCodeSizeBytes + 64*1024

	ready := app.NewReadinessChecks().
		Add("db", app.DBCheck(pool)).
		Add("redis", app.RedisCheck(redisAdapter{c: rdb})).
		Add("broker", app.BrokerCheck(producer)).
		WithBus(bus)
	if cluster != nil {
		ready.Add("cluster", app.ClusterCheck(cluster))
	}

	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
