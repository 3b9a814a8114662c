package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/tutorgrid/studygate/internal/backend"
	"github.com/tutorgrid/studygate/internal/backend/openai"
	"github.com/tutorgrid/studygate/internal/breaker"
	"github.com/tutorgrid/studygate/internal/cache"
	"github.com/tutorgrid/studygate/internal/config"
	"github.com/tutorgrid/studygate/internal/recovery"
	"github.com/tutorgrid/studygate/internal/relay"
	"github.com/tutorgrid/studygate/internal/server"
	"github.com/tutorgrid/studygate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("studygate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	if cfg.OpenAI.APIKey == "" {
		log.Fatal("openai.api_key is required (STUDYGATE_OPENAI__API_KEY)")
	}

	backends := []backend.Backend{
		openai.New("openai", cfg.OpenAI.APIKey, backendOpts(cfg.OpenAI.BaseURL, cfg.OpenAI.Model)...),
	}
	if cfg.Fallback.APIKey != "" {
		name := cfg.Fallback.Name
		if name == "" {
			name = "fallback"
		}
		backends = append(backends, openai.New(name, cfg.Fallback.APIKey,
			backendOpts(cfg.Fallback.BaseURL, cfg.Fallback.Model)...))
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		ResetTimeout:             cfg.Breaker.ResetTimeout,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccesses,
	})
	responseCache := cache.New(
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithLogger(logger),
	)
	orch := recovery.New(recovery.Config{
		MaxRetryAttempts: cfg.Recovery.MaxRetryAttempts,
		BaseDelay:        cfg.Recovery.BaseDelay,
		MaxDelay:         cfg.Recovery.MaxDelay,
		RateLimitHold:    cfg.Recovery.RateLimitHold,
	}, breakers, recovery.WithLogger(logger))

	pipeline, err := relay.New(
		relay.WithBackends(backends...),
		relay.WithBreakers(breakers),
		relay.WithCache(responseCache),
		relay.WithOrchestrator(orch),
		relay.WithLogger(logger),
		relay.WithRequestTimeout(cfg.Server.RequestTimeout),
	)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}
	defer pipeline.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline.Start(ctx, cfg.Cache.SweepInterval)

	// Breaker tuning picks up file edits live; everything else takes
	// effect on restart.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			log.Fatalf("Failed to create config watcher: %v", err)
		}
		defer watcher.Close()
		if err := watcher.Watch(ctx, func(next *config.Config) {
			breakers.UpdateConfig(breaker.Config{
				FailureThreshold:         next.Breaker.FailureThreshold,
				ResetTimeout:             next.Breaker.ResetTimeout,
				HalfOpenSuccessThreshold: next.Breaker.HalfOpenSuccesses,
			})
			logger.Info("breaker tuning reloaded",
				slog.Int("failure_threshold", next.Breaker.FailureThreshold),
				slog.Duration("reset_timeout", next.Breaker.ResetTimeout))
		}); err != nil {
			log.Fatalf("Failed to watch config: %v", err)
		}
	}

	srv := server.New(cfg.Server.Port, logger, pipeline, cfg.Server.RequestTimeout)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("studygate started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("backends", len(backends)),
		slog.String("model", cfg.OpenAI.Model))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received, stopping")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("shutdown complete")
	}
}

func backendOpts(baseURL, model string) []openai.Option {
	var opts []openai.Option
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	return opts
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.Format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
