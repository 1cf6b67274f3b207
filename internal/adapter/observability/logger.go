package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every line carries the
// service name and environment so the three binaries stay distinguishable in
// an aggregated stream; debug level is only enabled outside production.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
