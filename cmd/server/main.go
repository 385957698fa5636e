package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshmu/aid-online/internal/audio"
	"github.com/joshmu/aid-online/internal/config"
	"github.com/joshmu/aid-online/internal/expansion"
	"github.com/joshmu/aid-online/internal/metrics"
	"github.com/joshmu/aid-online/internal/room"
	"github.com/joshmu/aid-online/internal/server"
	"github.com/joshmu/aid-online/internal/speech"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "aid-online"
	serviceVersion    = "1.0.0"
)

// engineExpander adapts the expansion engine to the room package's
// collaborator interface.
type engineExpander struct {
	engine *expansion.Engine
}

func (e engineExpander) Init(seed map[string]any) (room.Context, error) {
	return e.engine.Init(seed)
}

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
		slog.String("address", cfg.Server.Address),
		slog.String("static_dir", cfg.Server.StaticDir),
		slog.String("media_output_dir", cfg.Media.OutputDir),
		slog.String("speech_endpoint", cfg.Speech.Endpoint),
		slog.String("script_path", cfg.Engine.ScriptPath),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Compile the narrative rule script
	engine, err := expansion.NewEngine(expansion.Options{
		ScriptPath: cfg.Engine.ScriptPath,
		MaxDepth:   cfg.Engine.MaxDepth,
	}, logger)
	if err != nil {
		logger.Error("Failed to create expansion engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize speech synthesis client
	speechClient, err := speech.NewClient(speech.Config{
		Endpoint:      cfg.Speech.Endpoint,
		APIKey:        cfg.Speech.APIKey,
		Voice:         cfg.Speech.Voice,
		OutputDir:     cfg.Media.OutputDir,
		Timeout:       cfg.Speech.GetTimeoutDuration(),
		MaxRetries:    cfg.Speech.MaxRetries,
		MaxConcurrent: cfg.Speech.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create speech client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Speech client initialized",
		slog.String("endpoint", cfg.Speech.Endpoint),
		slog.Int("max_concurrent", cfg.Speech.MaxConcurrent),
	)

	// Initialize websocket hub and room registry. The hub carries the
	// registry's broadcasts, so they are wired in two steps.
	hub := server.NewHub(appMetrics, logger)

	settings := room.Settings{
		RateMin:      cfg.Room.RateMin,
		RateMax:      cfg.Room.RateMax,
		RateOffset:   cfg.Room.RateOffset,
		PitchOffset:  cfg.Room.PitchOffset,
		DefaultDelay: cfg.Room.GetDefaultDelay(),
	}
	registry := room.NewRegistry(settings, room.Deps{
		Expander:    engineExpander{engine: engine},
		Synthesizer: speechClient,
		Prober:      audio.NewProber(logger),
		Broadcaster: hub,
		Recorder:    appMetrics,
		Logger:      logger,
	})
	hub.SetRegistry(registry)
	logger.Info("Room registry initialized")

	// Initialize HTTP server
	httpServer := server.NewHTTPServer(cfg, logger, registry, hub, speechClient, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Drain in-flight synthesis requests
	if err := speechClient.Close(); err != nil {
		logger.Error("Error closing speech client", slog.String("error", err.Error()))
	}

	// Get final statistics
	stats := speechClient.GetStats()
	logger.Info("Final synthesis statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

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
