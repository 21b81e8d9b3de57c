// Command agentdeck runs the supervision daemon: it mirrors the state
// of agent backends over SSE, queues interruptions for operator
// attention, tracks context usage, archives finished conversations,
// and serves the operator-facing APIs.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rchen9527/agentdeck/internal/archive"
	"github.com/rchen9527/agentdeck/internal/config"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/internal/gateway"
	v1 "github.com/rchen9527/agentdeck/internal/gateway/v1"
	"github.com/rchen9527/agentdeck/internal/hub"
	"github.com/rchen9527/agentdeck/internal/policy"
	"github.com/rchen9527/agentdeck/internal/telemetry"
	"github.com/rchen9527/agentdeck/internal/ws"
)

func main() {
	// Load environment variables from .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("AGENTDECK_CONFIG")
	if cfgPath == "" {
		cfgPath = "agentdeck.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging and metrics
	if _, err := telemetry.InitLogger(telemetry.LogConfig{
		File:    cfg.LogFile,
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()
	metrics, metricsCleanup, err := telemetry.InitMetrics(ctx, cfg.MetricsFile)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer metricsCleanup()

	slog.Info("starting agentdeck",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"archive", cfg.ArchiveDSN)

	// Open the archive and search index
	arch, err := archive.New(cfg.ArchiveDSN)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer arch.Close()

	index, err := archive.NewIndex(cfg.IndexPath)
	if err != nil {
		log.Fatalf("Failed to open search index: %v", err)
	}
	defer index.Close()

	// Initialize the permission screening policy
	screener, err := policy.NewEngineFromFile(ctx, cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}
	if watcher, err := policy.NewWatcher(screener, cfg.PolicyPath); err != nil {
		slog.Warn("policy hot reload disabled", "path", cfg.PolicyPath, "error", err)
	} else {
		defer watcher.Close()
	}

	// Initialize the engine
	eng := engine.New(engine.Config{
		BatchInterval: cfg.BatchInterval,
		Catalog:       cfg.Catalog(),
		Screener:      screener,
		Metrics:       metrics,
	})

	// Wire state consumers: archive recorder, WebSocket push, SSE broker
	recorder := archive.NewRecorder(eng, arch, index)
	watcherHub := hub.NewHub()
	go watcherHub.Run()
	push := ws.NewServer(eng, watcherHub)
	eng.Subscribe(push.Publish)
	broker := v1.NewBroker()
	eng.Subscribe(broker.Publish)

	defer watcherHub.Stop()
	defer recorder.Close()
	defer eng.Close()

	// Connect backends listed in the configuration
	for _, baseURL := range cfg.Backends {
		inst, err := eng.Connect(ctx, baseURL)
		if err != nil {
			slog.Error("failed to connect backend", "base_url", baseURL, "error", err)
			continue
		}
		slog.Info("supervising backend", "instance_id", inst.ID, "base_url", baseURL)
	}

	deps := gateway.Deps{
		Engine:   eng,
		Archive:  arch,
		Index:    index,
		Broker:   broker,
		Hub:      watcherHub,
		Push:     push,
		Recorder: recorder,
	}
	externalServer := gateway.NewExternalServer(deps)
	internalServer := gateway.NewInternalServer(deps)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		slog.Info("external API listening", "addr", addr)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start external server: %v", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		slog.Info("internal API listening", "addr", addr)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down agentdeck")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("external server shutdown", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("internal server shutdown", "error", err)
	}

	slog.Info("agentdeck stopped")
}
