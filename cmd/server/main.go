// EducatorAI - document-grounded report generation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/educator/internal/api"
	"github.com/ashureev/educator/internal/config"
	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/identity"
	"github.com/ashureev/educator/internal/llm"
	"github.com/ashureev/educator/internal/logging"
	"github.com/ashureev/educator/internal/middleware"
	"github.com/ashureev/educator/internal/pipeline"
	"github.com/ashureev/educator/internal/progress"
	"github.com/ashureev/educator/internal/staging"
	"github.com/ashureev/educator/internal/store"
	"github.com/ashureev/educator/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := logCloser.Close(); closeErr != nil {
			slog.Error("Failed to close log file", "error", closeErr)
		}
	}()
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"engine", cfg.Engine.Backend,
		"integration_mode", cfg.Engine.IntegrationMode,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	stager := staging.New(staging.Options{
		Dir:            cfg.Staging.Dir,
		ReportFile:     cfg.Staging.ReportFile,
		MaxUploadBytes: cfg.Staging.MaxUploadBytes,
		PerSession:     cfg.Staging.PerSession,
	})

	engine, checker, closeEngine := newEngine(cfg, logger)
	defer closeEngine()

	svc := pipeline.NewService(stager, engine, repo, pipeline.Options{
		Mode:             cfg.Engine.IntegrationMode,
		EngineTimeout:    cfg.Engine.Timeout,
		DownloadName:     cfg.Staging.DownloadName,
		DBMaxRetries:     cfg.Retry.DatabaseMaxRetries,
		DBRetryBaseDelay: cfg.Retry.DatabaseRetryBaseDelay,
	}, logger)

	hub := progress.NewHub(logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(svc, hub, cfg.Staging.MaxUploadBytes, logger)
	healthHandler := api.NewHealthHandler(repo, checker, cfg.Timeout.HealthCheck)
	wsHandler := progress.NewHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// Progress stream for the page that started a generation.
	r.Get("/ws/progress", wsHandler.ServeHTTP)

	// Serve embedded frontend.
	r.Handle("/*", web.Handler())

	// Generation holds the request open for the whole engine run, so there is
	// no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stager.StartJanitor(ctx, cfg.Staging.TTL, cfg.Staging.SweepInterval, func(ctx context.Context) {
		pruned, err := repo.CleanupExpiredRuns(ctx, cfg.Staging.TTL)
		if err != nil {
			slog.Warn("Failed to prune run history", "error", err)
			return
		}
		if pruned > 0 {
			slog.Info("Pruned run history", "count", pruned)
		}
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newEngine builds the configured engine. The returned checker is nil for
// the in-process engine.
func newEngine(cfg *config.Config, logger *slog.Logger) (crew.Engine, api.EngineChecker, func()) {
	if cfg.Engine.Backend == config.EngineLocal {
		client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.Engine.Timeout)
		engine := crew.NewSequentialEngine(client, crew.SequentialEngineConfig{
			Model:         cfg.LLM.Model,
			Temperature:   cfg.LLM.Temperature,
			MaxTokens:     cfg.LLM.MaxTokens,
			MaxToolRounds: cfg.Engine.MaxToolRounds,
		}, logger)
		slog.Info("Using in-process engine", "model", cfg.LLM.Model)
		return engine, nil, func() {}
	}

	slog.Info("Connecting to crew engine via gRPC", "address", cfg.Engine.Addr)
	grpcCfg := crew.DefaultGrpcEngineConfig(cfg.Engine.Addr)
	grpcCfg.MaxMessageBytes = crew.MessageLimit(cfg.Staging.MaxUploadBytes)
	engine, err := crew.NewGrpcEngine(grpcCfg, logger)
	if err != nil {
		// Keep serving; generations fail until the engine comes up.
		slog.Warn("Crew engine not reachable yet, continuing without readiness", "error", err)
		grpcCfg.WaitForReady = false
		engine, err = crew.NewGrpcEngine(grpcCfg, logger)
		if err != nil {
			slog.Error("Failed to create crew engine client", "error", err)
			os.Exit(1)
		}
	}
	return engine, engine, engine.Close
}
