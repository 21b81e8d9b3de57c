// Package telemetry wires structured logging and metrics. Logs are
// JSON through a rotating file; metrics are exported periodically to
// their own rotating file so a crash always leaves inspectable tails.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the logger destination and verbosity.
type LogConfig struct {
	File    string
	Level   string
	Console bool
}

// InitLogger sets up the process-wide slog default: JSON into a
// rotating file, optionally mirrored to stderr.
func InitLogger(cfg LogConfig) (*slog.Logger, error) {
	if cfg.File == "" {
		cfg.File = filepath.Join("logs", "agentdeck.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var out io.Writer = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	if cfg.Console {
		out = io.MultiWriter(out, os.Stderr)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitMetrics sets up the global meter provider exporting to a rotating
// file every 10 seconds and returns the instrument set plus a shutdown
// function.
func InitMetrics(ctx context.Context, metricsFile string) (*Metrics, func(), error) {
	if metricsFile == "" {
		metricsFile = filepath.Join("logs", "agentdeck_metrics.log")
	}
	if err := os.MkdirAll(filepath.Dir(metricsFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   metricsFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	exporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(out),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "agentdeck"),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp.Meter("agentdeck"))
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown meter provider", "error", err)
		}
		if err := out.Close(); err != nil {
			slog.Error("failed to close metrics file", "error", err)
		}
	}
	return metrics, cleanup, nil
}
