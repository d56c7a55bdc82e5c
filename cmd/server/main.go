// Policy Builder - Consultation Policy Synchronization Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/surgeonlogic/policybuilder/internal/api"
	"github.com/surgeonlogic/policybuilder/internal/builder"
	"github.com/surgeonlogic/policybuilder/internal/config"
	"github.com/surgeonlogic/policybuilder/internal/dictation"
	"github.com/surgeonlogic/policybuilder/internal/identity"
	"github.com/surgeonlogic/policybuilder/internal/llm"
	"github.com/surgeonlogic/policybuilder/internal/middleware"
	"github.com/surgeonlogic/policybuilder/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies. Postgres when DATABASE_URL is set, embedded
	// SQLite otherwise.
	var repo store.Repository
	if cfg.DatabaseURL != "" {
		repo, err = store.NewPostgres(context.Background(), cfg.DatabaseURL)
	} else {
		repo, err = store.NewSQLite(cfg.DBPath)
	}
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

	gen := llm.NewOpenAIClient(cfg.Generation, logger)
	builderService := builder.NewService(repo, gen)

	// Initialize handlers.
	handler := api.NewHandler(repo, builderService)
	wsHandler := dictation.NewWebSocketHandler(builderService, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Get("/healthz", handler.Health)

	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", handler.ListAgents)
		r.Post("/", handler.CreateAgent)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetAgent)
			r.Patch("/", handler.UpdateAgent)
			r.Delete("/", handler.DeleteAgent)
			r.Get("/session", handler.GetSession)
			r.Post("/panel", handler.TogglePanel)
			r.Post("/messages", handler.SubmitMessage)
			r.Post("/clarifications", handler.AnswerClarification)
		})
	})

	// WebSocket endpoint for the browser transcript source.
	r.Get("/ws/dictation", wsHandler.ServeHTTP)

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
