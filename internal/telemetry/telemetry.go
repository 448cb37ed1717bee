// Package telemetry sets up OpenTelemetry tracing. Spans are written as JSON
// to a rotating file so they can be inspected without a collector.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/internal/logger"
)

const serviceName = "calcai"

// Shutdown flushes pending spans and releases the trace file.
type Shutdown func(ctx context.Context) error

func nop(context.Context) error { return nil }

// Init installs a global tracer provider when tracing is enabled. When it is
// not, the returned Shutdown does nothing and the global provider is left as
// the no-op default.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, error) {
	if !cfg.Enabled || cfg.TracesFile == "" {
		return nop, nil
	}

	if dir := filepath.Dir(cfg.TracesFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nop, fmt.Errorf("failed to create traces directory: %w", err)
		}
	}
	traceFile := &lumberjack.Logger{
		Filename:   cfg.TracesFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	return install(ctx, traceFile, version)
}

func install(ctx context.Context, w io.WriteCloser, version string) (Shutdown, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nop, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nop, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.L.Info("tracing enabled", "service", serviceName, "version", version)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
