package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/structaAI/scribe-ai/internal/auth"
	"github.com/structaAI/scribe-ai/internal/config"
	"github.com/structaAI/scribe-ai/internal/gateway"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/queue"
	"github.com/structaAI/scribe-ai/internal/server"
	"github.com/structaAI/scribe-ai/internal/store"
	"github.com/structaAI/scribe-ai/internal/summarizer"
	"github.com/structaAI/scribe-ai/internal/transcriber"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "scribe-ingestion-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("chunk_max_duration", cfg.Audio.ChunkMaxDuration),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("summarization_endpoint", cfg.Summarization.Endpoint),
		slog.String("store_path", cfg.Store.Path),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Open the durable store
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Store opened", slog.String("path", cfg.Store.Path))

	// Durable per-session queue over the store
	q := queue.New(st, logger)

	// Credential authority
	authority, err := auth.NewAuthority([]byte(cfg.Auth.Secret), cfg.Auth.GetTokenTTL())
	if err != nil {
		logger.Error("Failed to create credential authority", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Streaming transcription client and per-session worker supervisor
	streamClient, err := transcriber.NewClient(transcriber.ClientConfig{
		URL:      cfg.Transcription.Endpoint,
		APIKey:   cfg.Transcription.APIKey,
		Model:    cfg.Transcription.Model,
		Language: cfg.Transcription.Language,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	supervisor, err := transcriber.NewSupervisor(
		transcriber.WorkerConfig{Retry: cfg.Transcription.Policy()},
		q, st, streamClient, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create transcription supervisor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Summarization worker
	summaryClient, err := summarizer.NewHTTPClient(summarizer.ClientConfig{
		URL:     cfg.Summarization.Endpoint,
		APIKey:  cfg.Summarization.APIKey,
		Model:   cfg.Summarization.Model,
		Timeout: cfg.Summarization.GetTimeoutDuration(),
	})
	if err != nil {
		logger.Error("Failed to create summarization client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	summaryWorker, err := summarizer.NewWorker(
		summarizer.WorkerConfig{Retry: cfg.Summarization.Policy()},
		st, summaryClient, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create summarization worker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Ingestion gateway
	gw, err := gateway.New(gateway.Config{
		MaxSessions:         cfg.Server.MaxSessions,
		SampleRate:          cfg.Audio.SampleRate,
		Channels:            cfg.Audio.Channels,
		ResumeEveryChunks:   cfg.Checkpoint.EveryChunks,
		ResumeEveryInterval: cfg.Checkpoint.GetEveryInterval(),
		SweepWindow:         cfg.Reconnect.GetSweepWindow(),
	}, authority, st, q, supervisor, summaryWorker, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Ingestion gateway initialized",
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Duration("sweep_window", cfg.Reconnect.GetSweepWindow()),
	)

	// Pick up sessions interrupted by the previous run
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	err = gw.Recover(recoverCtx)
	recoverCancel()
	if err != nil {
		logger.Error("Session recovery failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize and start the HTTP API server
	httpServer := server.NewHTTPServer(cfg, logger, gw, st, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests and connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the gateway: sweep loop and transcription workers
	gw.Shutdown()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
