package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ashureev/artefact-relay/internal/agent"
	"github.com/ashureev/artefact-relay/internal/api"
	"github.com/ashureev/artefact-relay/internal/health"
	"github.com/ashureev/artefact-relay/internal/jobs"
	"github.com/ashureev/artefact-relay/internal/middleware"
	"github.com/ashureev/artefact-relay/internal/prompt"
	"github.com/ashureev/artefact-relay/internal/retry"
	"github.com/ashureev/artefact-relay/internal/session"
	"github.com/ashureev/artefact-relay/internal/speech"
	"github.com/ashureev/artefact-relay/internal/store"
	"github.com/ashureev/artefact-relay/internal/stream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		RunE:  runServe,
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireRemote(); err != nil {
		return err
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// A store that cannot be opened at boot is fatal.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	assistant, err := agent.NewClient(agent.Config{
		APIKey:         cfg.OpenAI.APIKey,
		AssistantID:    cfg.OpenAI.AssistantID,
		BaseURL:        cfg.OpenAI.BaseURL,
		RequestTimeout: cfg.OpenAI.RequestTimeout,
		SpeechModel:    cfg.TTS.Model,
		SpeechVoice:    cfg.TTS.Voice,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize assistant client: %w", err)
	}

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	// Initialize services.
	sessions, err := session.NewService(repo, assistant, cfg.HandleCacheSize, logger)
	if err != nil {
		return fmt.Errorf("initialize session store: %w", err)
	}

	driver := jobs.NewDriver(assistant, sessions, jobs.Config{
		PollInterval: cfg.Poll.Interval,
		PollTimeout:  cfg.Poll.Timeout,
		MaxPolls:     cfg.Poll.MaxAttempts,
		Budget:       cfg.Poll.Budget,
	}, jobs.WithLogger(logger))

	synth := speech.NewService(assistant, retry.Policy{
		MaxAttempts: cfg.TTS.MaxAttempts,
		Backoff:     cfg.TTS.Backoff,
	}, logger)

	// Initialize handlers.
	relay := api.NewRelayHandler(api.Deps{
		Sessions: sessions,
		Runner:   driver,
		Speech:   synth,
		Prompts:  prompts,
		Logger:   logger,
	})
	admin := api.NewAdminHandler(sessions, logger)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := stream.NewHandler(relay, cfg.Origins(), cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.Origins()))

	r.Method(http.MethodGet, "/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	relay.RegisterRoutes(r)
	admin.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/fetch-description", wsHandler.ServeHTTP)

	// No WriteTimeout: a description request may poll for the full budget and
	// WebSocket streams stay open while it does.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor(repo, cfg.HealthProbeInterval, logger)
	monitor.Start(ctx)

	if cfg.GRPCHealthPort != "" {
		go func() {
			if err := monitor.Serve(ctx, ":"+cfg.GRPCHealthPort); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
