package infra

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gpufleet/control-plane/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type LoggerClient struct {
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
}

// InitLoggerClient wires slog through the OTLP log exporter. In development
// mode, or when no OTLP endpoint is configured, logs go to stdout instead.
func InitLoggerClient(cfg *config.EnvConfig) *LoggerClient {
	if cfg.Environment.Mode == "development" || cfg.Grafana.OTLPEndpoint == "" {
		return &LoggerClient{
			logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
		}
	}

	ctx := context.Background()

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.Grafana.OTLPEndpoint),
		otlploghttp.WithURLPath("/otlp/v1/logs"),
	)
	if err != nil {
		log.Fatalf("Failed to initialize OTLP log exporter: %v", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.Grafana.ServiceName)),
	)
	if err != nil {
		log.Fatalf("Failed to build OTLP resource: %v", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	return &LoggerClient{
		logger:   otelslog.NewLogger(cfg.Grafana.ServiceName, otelslog.WithLoggerProvider(provider)),
		provider: provider,
	}
}

// NewStdoutLogger returns a logger that skips the OTLP pipeline entirely.
// Used by short-lived CLI invocations and tests.
func NewStdoutLogger() *LoggerClient {
	return &LoggerClient{
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func (l *LoggerClient) InfoWithContextf(ctx context.Context, format string, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) WarningWithContextf(ctx context.Context, format string, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) ErrorWithContextf(ctx context.Context, err error, format string, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(format, args...), slog.Any("error", err))
}

// Shutdown flushes buffered log records. Safe to call on the development
// logger as well.
func (l *LoggerClient) Shutdown(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}
