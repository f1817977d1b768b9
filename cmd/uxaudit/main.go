package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/heuristiclab/uxaudit/internal/api"
	"github.com/heuristiclab/uxaudit/internal/artifacts"
	"github.com/heuristiclab/uxaudit/internal/attachments"
	"github.com/heuristiclab/uxaudit/internal/config"
	"github.com/heuristiclab/uxaudit/internal/llm"
	"github.com/heuristiclab/uxaudit/internal/pipeline"
	"github.com/heuristiclab/uxaudit/internal/prompts"
	"github.com/heuristiclab/uxaudit/internal/server"
	"github.com/heuristiclab/uxaudit/internal/storage/sqlite"
	"github.com/heuristiclab/uxaudit/internal/telemetry"
	"github.com/heuristiclab/uxaudit/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	tp, err := telemetry.Setup("uxaudit")
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	recorder, err := sqlite.New(cfg.Paths.DBPath)
	if err != nil {
		log.Fatalf("Failed to open turn record store: %v", err)
	}
	defer recorder.Close()

	loader := prompts.NewLoader(cfg.Paths.PromptsDir, cfg.Paths.ReferencesDir)
	store := artifacts.NewStore(cfg.Paths.OutputDir)
	counter := tokens.NewCounter()

	factory := func(apiKey string) pipeline.Client {
		return llm.NewClient(apiKey, llm.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	manager := pipeline.New(cfg, loader, store, recorder, counter, factory)

	// A pre-configured credential skips the per-session supply step.
	if cfg.OpenAI.APIKey != "" {
		if err := manager.SetCredential(cfg.OpenAI.APIKey); err != nil {
			logger.Warn("configured API key rejected", slog.String("error", err.Error()))
		}
	}

	encoder, err := attachments.NewEncoder(256)
	if err != nil {
		log.Fatalf("Failed to create image encoder: %v", err)
	}

	srv := server.New(cfg.Server.Port, logger)
	handler := api.NewHandler(manager, cfg, encoder)
	handler.Routes(srv.Router)
	srv.Router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("uxaudit started",
		slog.Int("port", cfg.Server.Port),
		slog.String("model", cfg.OpenAI.Model),
		slog.String("output_dir", cfg.Paths.OutputDir),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}
}
