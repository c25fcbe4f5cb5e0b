// crewd serves the sequential crew engine over gRPC for the EducatorAI server.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/educator/internal/config"
	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/llm"
	"github.com/ashureev/educator/internal/logging"
	"github.com/ashureev/educator/internal/staging"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
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

	if cfg.LLM.APIKey == "" {
		slog.Warn("LLM_API_KEY is not set; kickoffs will fail at the provider")
	}

	client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.Engine.Timeout)
	engine := crew.NewSequentialEngine(client, crew.SequentialEngineConfig{
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxToolRounds: cfg.Engine.MaxToolRounds,
	}, logger)

	// Tool reads and writes are confined to the staging directory shared with
	// the server.
	stager := staging.New(staging.Options{
		Dir:            cfg.Staging.Dir,
		ReportFile:     cfg.Staging.ReportFile,
		MaxUploadBytes: cfg.Staging.MaxUploadBytes,
		PerSession:     cfg.Staging.PerSession,
	})

	opts := append(crew.ServerOptions(crew.MessageLimit(cfg.Staging.MaxUploadBytes)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: false,
		}),
	)
	srv := grpc.NewServer(opts...)
	crew.RegisterCrewServer(srv, crew.NewServer(
		engine,
		crew.DefaultToolFactory(stager.ReadText, stager.CheckDir),
		crew.HealthStatus{Status: "ok", Engine: "sequential", Model: cfg.LLM.Model},
		logger,
	))

	lis, err := net.Listen("tcp", ":"+cfg.Engine.CrewdPort)
	if err != nil {
		slog.Error("Failed to listen", "port", cfg.Engine.CrewdPort, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Crew engine listening", "addr", lis.Addr().String(), "model", cfg.LLM.Model)
		if err := srv.Serve(lis); err != nil {
			slog.Error("Crew engine failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.Timeout.Shutdown):
		slog.Warn("Graceful stop timed out, forcing")
		srv.Stop()
	}

	slog.Info("Crew engine stopped")
}
