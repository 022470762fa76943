// QuantumTask - Agent Marketplace Server
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
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"

	"github.com/thecyberlearn/quantumtaskai-caprover/internal/api"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/catalog"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/chat"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/config"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/execution"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/identity"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/middleware"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/store"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/wallet"
	"github.com/thecyberlearn/quantumtaskai-caprover/internal/webhook"
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

	slog.Info("Starting server",
		"port", cfg.Port, "dev", cfg.IsDevelopment(), "strict_webhooks", cfg.StrictWebhooks)

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

	agents := catalog.NewFileCatalog(cfg.AgentsDir, cfg.CatalogTTL,
		catalog.WithDefaultMessageLimit(cfg.MessageLimit))
	if defs, err := agents.ActiveAgents(); err != nil {
		slog.Error("Failed to load agent catalog", "dir", cfg.AgentsDir, "error", err)
		os.Exit(1)
	} else {
		slog.Info("Agent catalog loaded", "dir", cfg.AgentsDir, "active_agents", len(defs))
	}

	if cfg.IsDevelopment() {
		account, err := identity.EnsureDevAccount(context.Background(), repo)
		if err != nil {
			slog.Error("Failed to bootstrap dev account", "error", err)
			os.Exit(1)
		}
		slog.Info("Dev account ready", "account_id", account.AccountID, "api_key", account.APIKey)
	}

	// Initialize services.
	gateway := webhook.NewGateway(cfg.ChatTimeout, cfg.ExecuteTimeout, cfg.StrictWebhooks)
	ledger := wallet.NewLedger(repo)
	chatSvc := chat.NewService(repo, agents, gateway, cfg.SessionTTL)
	runner := execution.NewRunner(repo, agents, ledger, gateway)

	// Initialize handlers.
	handler := api.NewHandler(repo, agents, chatSvc, ledger, runner)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))

	// Public routes.
	r.Get("/health", handler.Health)
	r.With(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP))).
		Post("/webhooks/payment", handler.PaymentWebhook)

	// Authenticated API.
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		r.Get("/agents", handler.ListAgents)
		r.Get("/agents/{slug}", handler.GetAgent)

		r.Route("/chat/sessions", func(r chi.Router) {
			r.With(httprate.Limit(5, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP))).
				Post("/", handler.StartSession)
			r.With(httprate.Limit(20, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP))).
				Post("/{sessionID}/messages", handler.SendMessage)
			r.Get("/{sessionID}/messages", handler.SessionHistory)
			r.Get("/{sessionID}/status", handler.SessionStatus)
			r.Post("/{sessionID}/end", handler.EndSession)
			r.Get("/{sessionID}/export", handler.ExportSession)
		})

		r.Route("/executions", func(r chi.Router) {
			r.With(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByRealIP))).
				Post("/", handler.Execute)
			r.Get("/", handler.ListExecutions)
			r.Get("/{executionID}", handler.GetExecution)
		})

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", handler.WalletBalance)
			r.Get("/summary", handler.WalletSummary)
			r.Get("/entries", handler.WalletEntries)
			r.Post("/confirm-payment", handler.ConfirmPayment)
		})
	})

	// Create server. WriteTimeout must outlast the execute webhook timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ExecuteTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat.StartSweeper(ctx, repo, cfg.SweepInterval)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
