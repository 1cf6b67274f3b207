// Command projector materialises lifecycle events into the canonical
// evaluation records. It is the only process that writes status transitions.
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

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/bus/redisbus"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/app"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/projection"
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

	proj := projection.New(evalRepo, eventRepo, cache, bus)

	ready := app.NewReadinessChecks().
		Add("db", app.DBCheck(pool)).
		Add("redis", app.RedisCheck(redisAdapter{c: rdb})).
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

	slog.Info("projector starting")
	if err := proj.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("projector stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = sidecar.Shutdown(shutdownCtx)
}
